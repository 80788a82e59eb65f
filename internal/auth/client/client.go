// Package client holds the process-wide connection to the OIDC provider.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/gwlsn/authrim-gateway/internal/config"
	"github.com/gwlsn/authrim-gateway/internal/logger"
)

// ErrClosed is returned by a client after Close.
var ErrClosed = errors.New("auth client closed")

const defaultDiscoveryTries = 3

// Options tune client construction. The zero value is a public client using
// the default scopes.
type Options struct {
	ClientSecret   string
	Scopes         []string
	HTTPClient     *http.Client
	DiscoveryTries uint
}

// Client is a configured connection to the authentication provider.
type Client struct {
	cfg                config.AuthConfig
	provider           *oidc.Provider
	verifier           *oidc.IDTokenVerifier
	oauth2Config       *oauth2.Config
	httpClient         *http.Client
	endSessionEndpoint string
	closed             atomic.Bool
}

// Claims are the ID token claims the gateway cares about.
type Claims struct {
	Subject string
	Email   string
	Name    string
	Nonce   string
	Expiry  time.Time
	IDToken string
}

// New discovers the provider metadata for cfg.Issuer and builds a client.
// Discovery is retried with exponential backoff.
func New(ctx context.Context, cfg config.AuthConfig, opts Options) (*Client, error) {
	if cfg.Issuer == "" {
		return nil, &config.ConfigurationError{Key: config.IssuerKey}
	}
	if cfg.ClientID == "" {
		return nil, &config.ConfigurationError{Key: config.ClientIDKey}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second, Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	tries := opts.DiscoveryTries
	if tries == 0 {
		tries = defaultDiscoveryTries
	}

	ctx = oidc.ClientContext(ctx, httpClient)
	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, cfg.Issuer)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("oidc discovery failed, retrying", "issuer", cfg.Issuer, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.Issuer, err)
	}

	var metadata struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&metadata); err != nil {
		logger.Debug("provider metadata has no readable claims", "error", err)
	}

	return &Client{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: opts.ClientSecret,
			Scopes:       normalizeScopes(opts.Scopes),
			Endpoint:     provider.Endpoint(),
		},
		httpClient:         httpClient,
		endSessionEndpoint: metadata.EndSessionEndpoint,
	}, nil
}

// Config returns the configuration the client was built from.
func (c *Client) Config() config.AuthConfig {
	return c.cfg
}

// AuthCodeURL returns the provider authorization URL for an auth-code flow
// with PKCE (S256) and the given nonce.
func (c *Client) AuthCodeURL(state, nonce, verifier, redirectURI string) string {
	return c.oauth2Config.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	)
}

// Exchange trades an authorization code for tokens and verifies the ID token.
// The caller is responsible for comparing Claims.Nonce.
func (c *Client) Exchange(ctx context.Context, code, verifier, redirectURI string) (*Claims, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauth2Config.Exchange(ctx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("missing id_token")
	}

	idToken, err := c.verifier.Verify(oidc.ClientContext(ctx, c.httpClient), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}

	return &Claims{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Nonce:   idToken.Nonce,
		Expiry:  idToken.Expiry,
		IDToken: rawIDToken,
	}, nil
}

// EndSessionURL returns the provider's RP-initiated logout URL, or "" when
// the provider does not advertise one.
func (c *Client) EndSessionURL(postLogoutRedirect string) string {
	if c.endSessionEndpoint == "" {
		return ""
	}
	u, err := url.Parse(c.endSessionEndpoint)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Close releases the client's idle connections. It is safe to call twice.
func (c *Client) Close() {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

func normalizeScopes(scopes []string) []string {
	hasOpenID := false
	normalized := make([]string, 0, len(scopes)+1)
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if scope == oidc.ScopeOpenID {
			hasOpenID = true
		}
		normalized = append(normalized, scope)
	}
	if len(normalized) == 0 {
		return []string{oidc.ScopeOpenID, "profile", "email"}
	}
	if !hasOpenID {
		normalized = append([]string{oidc.ScopeOpenID}, normalized...)
	}
	return normalized
}
