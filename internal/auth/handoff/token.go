// Package handoff transfers an authenticated session between applications
// that share a handoff key, using short-lived single-use tokens.
package handoff

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gwlsn/authrim-gateway/internal/auth"
	"github.com/gwlsn/authrim-gateway/internal/config"
)

// MaxTTL bounds how far in the future a handoff token may expire.
const MaxTTL = 2 * time.Minute

const clockSkew = 5 * time.Second

// Claims is the handoff token payload.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	SID   string `json:"sid,omitempty"`
}

// AuthSource resolves the issuer and client id at the time of use.
type AuthSource func() (config.AuthConfig, error)

// Signer mints and verifies handoff tokens. The issuer and client id become
// the iss and aud claims.
type Signer struct {
	key    []byte
	source AuthSource
	now    func() time.Time
}

// NewSigner creates a signer for a fixed issuer/client pair. Tokens are
// rejected if either is empty.
func NewSigner(key []byte, issuer, clientID string) (*Signer, error) {
	cfg := config.AuthConfig{Issuer: issuer, ClientID: clientID}
	return NewSignerWithSource(key, func() (config.AuthConfig, error) { return cfg, nil })
}

// NewSignerWithSource creates a signer that reads the issuer and client id
// from source on every Sign and Verify.
func NewSignerWithSource(key []byte, source AuthSource) (*Signer, error) {
	if len(key) < 16 {
		return nil, errors.New("handoff key must be at least 16 bytes")
	}
	if source == nil {
		return nil, errors.New("handoff signer requires an auth source")
	}
	return &Signer{key: key, source: source, now: time.Now}, nil
}

// Configured reports whether the signer currently has an issuer and client id.
func (s *Signer) Configured() bool {
	_, err := s.target()
	return err == nil
}

func (s *Signer) target() (config.AuthConfig, error) {
	cfg, err := s.source()
	if err != nil {
		return config.AuthConfig{}, fmt.Errorf("handoff signer is not configured: %w", err)
	}
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return config.AuthConfig{}, errors.New("handoff signer is not configured")
	}
	return cfg, nil
}

// Sign mints a token for identity valid for ttl (capped at MaxTTL).
func (s *Signer) Sign(identity *auth.Identity, ttl time.Duration) (string, error) {
	target, err := s.target()
	if err != nil {
		return "", err
	}
	if identity == nil || identity.Subject == "" {
		return "", errors.New("handoff requires a subject")
	}
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.Subject,
			Issuer:    target.Issuer,
			Audience:  jwt.ClaimStrings{target.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: identity.Email,
		Name:  identity.Name,
		SID:   identity.SessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign handoff token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and checks signature, issuer, audience and expiry. It
// does not check replay; see Store.
func (s *Signer) Verify(raw string) (*Claims, error) {
	target, err := s.target()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(target.Issuer),
		jwt.WithAudience(target.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("handoff token has no jti")
	}
	if claims.Subject == "" {
		return nil, errors.New("handoff token has no subject")
	}
	if claims.ExpiresAt.Time.After(s.now().Add(MaxTTL + clockSkew)) {
		return nil, errors.New("handoff token lifetime too long")
	}
	return claims, nil
}

// Identity converts verified claims to a session identity. The session id is
// kept so both applications share one logical session.
func (c *Claims) Identity() *auth.Identity {
	return &auth.Identity{
		Subject:   c.Subject,
		Email:     c.Email,
		Name:      c.Name,
		SessionID: c.SID,
	}
}
