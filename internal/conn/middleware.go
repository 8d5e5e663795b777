package conn

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/SpatiumPortae/datatransfer/internal/logger"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type connKey struct{}

func WithConn(ctx context.Context, conn Conn) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

func FromContext(ctx context.Context) (Conn, error) {
	conn, ok := ctx.Value(connKey{}).(Conn)
	if !ok {
		return nil, errors.New("unable to get Conn from context")
	}
	return conn, nil
}

// IsUpgrade reports whether the Upgrade header of r lists websocket.
func IsUpgrade(r *http.Request) bool {
	for _, v := range strings.Split(r.Header.Get("Upgrade"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "websocket") {
			return true
		}
	}
	return false
}

// Middleware upgrades websocket requests and stores the connection in the
// request context. Other requests pass through untouched.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			lgr, err := logger.FromContext(r.Context())
			if err != nil {
				lgr = zap.NewNop()
			}
			wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
			if err != nil {
				lgr.Error("failed to upgrade connection", zap.Error(err))
				return
			}
			ws := NewWS(wsConn)
			defer ws.Conn.Close(websocket.StatusInternalError, "handler exited") //nolint:errcheck
			next.ServeHTTP(w, r.WithContext(WithConn(r.Context(), ws)))
		})
	}
}
