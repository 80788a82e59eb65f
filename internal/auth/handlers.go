package auth

import (
	"errors"
	"net/http"

	"github.com/gwlsn/authrim-gateway/internal/config"
	"github.com/gwlsn/authrim-gateway/internal/logger"
)

// LoginHandlerProvider allows providers to implement login handling.
type LoginHandlerProvider interface {
	HandleLogin(w http.ResponseWriter, r *http.Request) error
}

// LogoutHandlerProvider allows providers to implement logout handling.
type LogoutHandlerProvider interface {
	HandleLogout(w http.ResponseWriter, r *http.Request) error
}

// CallbackHandler handles auth provider callbacks. Handshake failures end in
// a redirect to failureURL; a misconfigured provider answers 503.
func CallbackHandler(provider Provider, failureURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if provider == nil {
			http.NotFound(w, r)
			return
		}
		err := provider.HandleCallback(w, r)
		if err == nil {
			return
		}
		if writeUnavailable(w, r, err) {
			return
		}
		logger.Warn("auth callback failed", "path", r.URL.Path, "error", err)
		http.Redirect(w, r, failureURL, http.StatusFound)
	}
}

// LoginHandler handles auth login requests.
func LoginHandler(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loginProvider, ok := provider.(LoginHandlerProvider)
		if !ok || provider == nil {
			http.NotFound(w, r)
			return
		}
		if err := loginProvider.HandleLogin(w, r); err != nil {
			if writeUnavailable(w, r, err) {
				return
			}
			logger.Warn("auth login failed", "error", err)
			http.Error(w, "login failed", http.StatusBadGateway)
		}
	}
}

// LogoutHandler clears the session through the provider.
func LogoutHandler(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logoutProvider, ok := provider.(LogoutHandlerProvider)
		if !ok || provider == nil {
			http.NotFound(w, r)
			return
		}
		if err := logoutProvider.HandleLogout(w, r); err != nil {
			logger.Warn("auth logout failed", "error", err)
			http.Redirect(w, r, "/", http.StatusFound)
		}
	}
}

func writeUnavailable(w http.ResponseWriter, r *http.Request, err error) bool {
	if !errors.Is(err, config.ErrMissingConfig) {
		return false
	}
	logger.Error("authentication is not configured", "path", r.URL.Path, "error", err)
	http.Error(w, "authentication is not configured", http.StatusServiceUnavailable)
	return true
}
