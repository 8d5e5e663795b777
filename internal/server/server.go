package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server contains the necessary data to run the transfer server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	app        provider.App
	signal     chan os.Signal
	logger     *zap.Logger
	version    semver.Version
	token      string
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithToken requires transfer connections to present token as a bearer token.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// NewServer constructs a new Server struct and setups the routes. app builds
// the destination of every accepted push transfer.
func NewServer(port int, version semver.Version, app provider.App, opts ...Option) *Server {
	router := &mux.Router{}
	s := &Server{
		router:  router,
		app:     app,
		logger:  zap.NewNop(),
		version: version,
		signal:  make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	stdLoggerWrapper, _ := zap.NewStdLogAt(s.logger, zap.ErrorLevel)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		ReadHeaderTimeout: 30 * time.Second,
		Handler:           router,
		ErrorLog:          stdLoggerWrapper,
	}
	s.routes()
	return s
}

// Handler exposes the router, used to mount the server elsewhere.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the transfer server until an interrupt is received.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	signal.Notify(s.signal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-s.signal
		s.logger.Info("transfer server is shutting down")
		cancel()
	}()

	if err := serve(ctx, s); err != nil {
		s.logger.Error("serving transfer server", zap.Error(err), zap.Stack("stack_trace"))
		return err
	}
	return nil
}

// serve is a helper function providing graceful shutdown of the server.
func serve(ctx context.Context, s *Server) error {
	errC := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
		close(errC)
	}()

	s.logger.
		With(zap.String("version", s.version.String())).
		With(zap.String("address", s.httpServer.Addr)).
		Info("serving transfer server")

	select {
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}
		// Closed from elsewhere, nothing left to shut down.
		s.logger.Info("transfer server closed")
		return nil
	case <-ctx.Done():
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctxShutdown); err != nil {
		return fmt.Errorf("shutting down transfer server: %w", err)
	}
	s.logger.Info("transfer server shutdown successfully")
	return nil
}
