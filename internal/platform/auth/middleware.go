package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/animus-labs/releasegate/internal/platform/httpserver"
	"github.com/animus-labs/releasegate/internal/platform/requestid"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type AuthorizeFunc func(r *http.Request, identity Identity) error

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	// SkipPaths are served without authentication, matched exactly.
	SkipPaths []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range m.SkipPaths {
			if r.URL.Path == path {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.deny(w, r, http.StatusUnauthorized, reason, err)
			return
		}

		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, http.StatusForbidden, "forbidden", err, "subject", identity.Subject)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, status int, reason string, err error, extra ...any) {
	requestID := strings.TrimSpace(r.Header.Get(requestid.Header))
	if m.Logger != nil {
		fields := []any{
			"reason", reason,
			"status", status,
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		}
		m.Logger.Warn("auth deny", append(fields, extra...)...)
	}
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      reason,
		"request_id": requestID,
	})
}
