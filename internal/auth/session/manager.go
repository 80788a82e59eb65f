package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gwlsn/authrim-gateway/internal/auth"
)

const (
	defaultCookieName = "authrim_session"
	defaultSessionTTL = 24 * time.Hour
)

// Manager reads and writes the session cookie.
type Manager struct {
	codec      *Codec
	cookieName string
	ttl        time.Duration
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCookieName overrides the session cookie name.
func WithCookieName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.cookieName = name
		}
	}
}

// WithTTL overrides the maximum session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a session manager signing with key.
func NewManager(key []byte, opts ...Option) (*Manager, error) {
	codec, err := NewCodec(key)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		codec:      codec,
		cookieName: defaultCookieName,
		ttl:        defaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type payload struct {
	Subject   string `json:"sub"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"sid"`
	ExpiresAt int64  `json:"expires_at"`
}

// CookieName returns the session cookie name.
func (m *Manager) CookieName() string {
	return m.cookieName
}

// TTL returns the maximum session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Read returns the identity stored in the request's session cookie.
// It returns http.ErrNoCookie when there is no session at all.
func (m *Manager) Read(r *http.Request) (*auth.Identity, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return nil, err
	}

	var session payload
	if err := m.codec.Decode(cookie.Value, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrSessionInvalid, err)
	}
	if session.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", auth.ErrSessionInvalid)
	}
	expiry := time.Unix(session.ExpiresAt, 0)
	if !expiry.After(m.now()) {
		return nil, auth.ErrSessionExpired
	}
	return &auth.Identity{
		Subject:   session.Subject,
		Email:     session.Email,
		Name:      session.Name,
		SessionID: session.SessionID,
		ExpiresAt: expiry,
	}, nil
}

// Write issues a session cookie for identity. The expiry is capped at the
// manager's TTL; a missing session id is generated.
func (m *Manager) Write(w http.ResponseWriter, r *http.Request, identity *auth.Identity) error {
	if identity == nil || identity.Subject == "" {
		return errors.New("session requires a subject")
	}

	now := m.now()
	expiry := identity.ExpiresAt
	if limit := now.Add(m.ttl); expiry.IsZero() || expiry.After(limit) {
		expiry = limit
	}
	if !expiry.After(now) {
		return auth.ErrSessionExpired
	}
	sid := identity.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}

	encoded, err := m.codec.Encode(payload{
		Subject:   identity.Subject,
		Email:     identity.Email,
		Name:      identity.Name,
		SessionID: sid,
		ExpiresAt: expiry.Unix(),
	})
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiry,
		Secure:   IsSecure(r),
	})
	return nil
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	ClearCookie(w, m.cookieName)
}

// ClearCookie expires the named cookie.
func ClearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// IsSecure reports whether r arrived over HTTPS, directly or through a
// proxy that sets X-Forwarded-Proto. Cookies set for r use it as their
// Secure flag.
func IsSecure(r *http.Request) bool {
	if r == nil {
		return false
	}
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
