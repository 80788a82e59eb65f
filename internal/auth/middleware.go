package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gwlsn/authrim-gateway/internal/logger"
)

type contextKey struct{}

// Middleware is the auth handle: it completes callbacks on the configured
// paths and attaches the session identity to every other request. It never
// blocks a request; enforcement is the route guard's job.
type Middleware struct {
	Provider        Provider
	CallbackPaths   []string
	FailureRedirect string
}

// NewMiddleware creates the auth handle.
func NewMiddleware(provider Provider, callbackPaths []string, failureRedirect string) *Middleware {
	return &Middleware{Provider: provider, CallbackPaths: callbackPaths, FailureRedirect: failureRedirect}
}

// Wrap wraps an HTTP handler with the auth handle.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.Provider == nil {
		return next
	}
	callback := CallbackHandler(m.Provider, m.FailureRedirect)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isCallback(r.URL.Path) {
			callback(w, r)
			return
		}

		identity, err := m.Provider.Authenticate(r)
		switch {
		case err == nil && identity != nil:
			r = r.WithContext(WithIdentity(r.Context(), identity))
		case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionInvalid):
			logger.Debug("dropping session cookie", "path", r.URL.Path, "error", err)
			if cleaner, ok := m.Provider.(SessionCleaner); ok {
				cleaner.ClearSession(w, r)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// WithIdentity stores an identity in the context. A nil identity leaves ctx unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFromContext returns the authenticated identity if present.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(*Identity)
	return identity, ok && identity != nil
}

func (m *Middleware) isCallback(path string) bool {
	for _, callback := range m.CallbackPaths {
		if callback == path {
			return true
		}
		if strings.HasSuffix(callback, "*") {
			prefix := strings.TrimSuffix(callback, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}

// SafeReturnPath returns p when it is a local absolute path, and "/" otherwise.
func SafeReturnPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/"
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	if strings.ContainsAny(p, "\r\n") {
		return "/"
	}
	return p
}
