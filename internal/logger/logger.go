package logger

import (
	"context"
	"errors"
	"net/http"

	"github.com/tomasen/realip"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func FromContext(ctx context.Context) (*zap.Logger, error) {
	logger, ok := ctx.Value(loggerKey{}).(*zap.Logger)
	if !ok {
		return nil, errors.New("unable to get logger from context")
	}
	return logger, nil
}

// OrNop returns the logger stored in ctx, or a no-op logger.
func OrNop(ctx context.Context) *zap.Logger {
	if l, err := FromContext(ctx); err == nil {
		return l
	}
	return zap.NewNop()
}

func Middleware(baseLogger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := baseLogger.With(
				zap.String("request_ip", realip.FromRequest(r)),
				zap.String("endpoint", r.URL.Path),
			)
			next.ServeHTTP(w, r.WithContext(WithLogger(r.Context(), logger)))
		})
	}
}

// New returns a production logger. Verbose loggers use the development
// config and log at debug level.
func New(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
