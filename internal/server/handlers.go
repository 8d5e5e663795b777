// handlers.go specifies the handlers of the transfer server.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/SpatiumPortae/datatransfer/internal/conn"
	"github.com/SpatiumPortae/datatransfer/internal/logger"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"go.uber.org/zap"
)

// ------------------------------------------------------ Handlers -----------------------------------------------------

// handleTransfer returns a websocket handler that serves one transfer connection.
// Requests that were not upgraded are answered with 426.
func (s *Server) handleTransfer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		lgr := logger.OrNop(ctx)
		c, err := conn.FromContext(ctx)
		if err != nil {
			w.Header().Set("Upgrade", "websocket")
			w.WriteHeader(http.StatusUpgradeRequired)
			return
		}
		lgr.Info("transfer client connected")

		sess := newSession(s.app, lgr)
		// The connection is gone either way, tear down without draining.
		defer sess.teardown(context.WithoutCancel(ctx))

		ec := conn.Envelope{Conn: c}
		for {
			msg, err := ec.ReadMsg(ctx)
			switch {
			case transfer.IsKind(err, transfer.Protocol):
				sess.logger.Warn("received malformed message", zap.Error(err))
				if err := ec.WriteResponse(ctx, transfer.Response{Error: transfer.ToResponseError(err)}); err != nil {
					sess.logger.Error("writing response", zap.Error(err))
					return
				}
				continue
			case errors.Is(err, conn.ErrClosed):
				sess.logger.Info("connection closed")
				return
			case errors.Is(err, context.Canceled):
				sess.logger.Info("context canceled, closing connection")
				return
			case err != nil:
				sess.logger.Error("connection error", zap.Error(err))
				return
			}

			res := sess.handle(ctx, msg)
			if err := ec.WriteResponse(ctx, res); err != nil {
				sess.logger.Error("writing response", zap.Error(err))
				return
			}
		}
	}
}

//nolint:errcheck
func (s *Server) ping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}
}

func (s *Server) handleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.version); err != nil {
			logger.OrNop(r.Context()).Error("encoding version", zap.Error(err))
		}
	}
}

// ----------------------------------------------------- Middleware ----------------------------------------------------

// authorize rejects requests whose bearer token does not match the configured
// token. Without a configured token every request passes.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			logger.OrNop(r.Context()).Warn("rejected unauthorized transfer request")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
