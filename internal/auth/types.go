package auth

import (
	"errors"
	"net/http"
	"time"
)

// Identity is the server-side auth context for an authenticated session.
type Identity struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	SessionID string    `json:"sid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DisplayName returns the best human-readable label for the identity.
func (i *Identity) DisplayName() string {
	switch {
	case i == nil:
		return ""
	case i.Name != "":
		return i.Name
	case i.Email != "":
		return i.Email
	default:
		return i.Subject
	}
}

var (
	// ErrSessionExpired indicates an authenticated session is no longer valid due to expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionInvalid indicates a session cookie failed verification.
	ErrSessionInvalid = errors.New("session invalid")
)

// Provider authenticates incoming requests and completes login callbacks.
type Provider interface {
	Authenticate(r *http.Request) (*Identity, error)
	HandleCallback(w http.ResponseWriter, r *http.Request) error
}

// SessionCleaner clears any stored session state (cookies).
type SessionCleaner interface {
	ClearSession(w http.ResponseWriter, r *http.Request)
}
