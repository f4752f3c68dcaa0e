package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"libracirc/internal/httpapi/render"
)

type contextKey struct{}

// SessionFromContext returns the session attached by Middleware, if any.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok
}

// Middleware rejects requests without a live "Authorization: Bearer <token>" session.
func Middleware(svc Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := svc.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				render.Error(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, session)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
