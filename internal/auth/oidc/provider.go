package oidc

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gwlsn/authrim-gateway/internal/auth"
	"github.com/gwlsn/authrim-gateway/internal/auth/client"
	"github.com/gwlsn/authrim-gateway/internal/auth/session"
	"github.com/gwlsn/authrim-gateway/internal/logger"
	"github.com/gwlsn/authrim-gateway/internal/metrics"
)

const (
	defaultStateCookie  = "authrim_oidc_state"
	defaultStateTimeout = 10 * time.Minute
)

// Options configure the provider. Zero values fall back to defaults.
type Options struct {
	// PublicURL is the external base URL; derived from the request when empty.
	PublicURL     string
	CallbackPath  string
	ReturnParam   string
	StateCookie   string
	StateTimeout  time.Duration
	Metrics       *metrics.Recorder
	LoginTemplate *template.Template
}

// Provider implements the auth handle against an OIDC issuer: it starts the
// authorization-code flow, completes callbacks and reads session cookies.
type Provider struct {
	clients      *client.Factory
	sessions     *session.Manager
	stateCodec   *session.Codec
	publicURL    string
	callbackPath string
	returnParam  string
	stateCookie  string
	stateTimeout time.Duration
	metrics      *metrics.Recorder
	loginPage    *template.Template
	now          func() time.Time
}

// NewProvider builds a provider. stateKey signs the short-lived state cookie
// and must differ from the session key.
func NewProvider(clients *client.Factory, sessions *session.Manager, stateKey []byte, opts Options) (*Provider, error) {
	if clients == nil {
		return nil, errors.New("oidc provider requires a client factory")
	}
	if sessions == nil {
		return nil, errors.New("oidc provider requires a session manager")
	}
	stateCodec, err := session.NewCodec(stateKey)
	if err != nil {
		return nil, fmt.Errorf("state key: %w", err)
	}

	p := &Provider{
		clients:      clients,
		sessions:     sessions,
		stateCodec:   stateCodec,
		publicURL:    strings.TrimRight(opts.PublicURL, "/"),
		callbackPath: opts.CallbackPath,
		returnParam:  opts.ReturnParam,
		stateCookie:  opts.StateCookie,
		stateTimeout: opts.StateTimeout,
		metrics:      opts.Metrics,
		loginPage:    opts.LoginTemplate,
		now:          time.Now,
	}
	if p.callbackPath == "" {
		p.callbackPath = "/callback"
	}
	if p.returnParam == "" {
		p.returnParam = "redirectTo"
	}
	if p.stateCookie == "" {
		p.stateCookie = defaultStateCookie
	}
	if p.stateTimeout <= 0 {
		p.stateTimeout = defaultStateTimeout
	}
	if p.loginPage == nil {
		p.loginPage = defaultLoginPage
	}
	return p, nil
}

// Authenticate validates the session cookie and returns the identity.
func (p *Provider) Authenticate(r *http.Request) (*auth.Identity, error) {
	return p.sessions.Read(r)
}

// ClearSession drops the session cookie.
func (p *Provider) ClearSession(w http.ResponseWriter, _ *http.Request) {
	p.sessions.Clear(w)
}

// HandleLogin initiates the authorization code flow. A request carrying
// ?error= renders the login page with that error instead.
func (p *Provider) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	returnTo := auth.SafeReturnPath(query.Get(p.returnParam))

	if errCode := query.Get("error"); errCode != "" {
		return p.renderLogin(w, errCode, returnTo)
	}
	if _, err := p.sessions.Read(r); err == nil {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return nil
	}

	c, err := p.clients.Get(r.Context())
	if err != nil {
		return err
	}

	state, err := session.RandomToken()
	if err != nil {
		return err
	}
	nonce, err := session.RandomToken()
	if err != nil {
		return err
	}
	verifier, err := session.RandomToken()
	if err != nil {
		return err
	}
	expires := p.now().Add(p.stateTimeout)
	encoded, err := p.stateCodec.Encode(statePayload{
		State:     state,
		Nonce:     nonce,
		Verifier:  verifier,
		ReturnTo:  returnTo,
		ExpiresAt: expires.Unix(),
	})
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     p.stateCookie,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
		Secure:   session.IsSecure(r),
	})

	p.metrics.Login()
	http.Redirect(w, r, c.AuthCodeURL(state, nonce, verifier, p.redirectURI(r)), http.StatusFound)
	return nil
}

// HandleCallback validates the ID token and issues a session cookie. On
// error nothing but the state-cookie deletion has been written.
func (p *Provider) HandleCallback(w http.ResponseWriter, r *http.Request) error {
	// The state cookie is single-use whatever the outcome.
	session.ClearCookie(w, p.stateCookie)
	err := p.handleCallback(w, r)
	if err != nil {
		p.metrics.Callback(metrics.OutcomeFailure)
		return err
	}
	p.metrics.Callback(metrics.OutcomeSuccess)
	return nil
}

func (p *Provider) handleCallback(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		return fmt.Errorf("provider returned error: %s", providerErr)
	}
	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		return errors.New("missing code or state")
	}

	cookie, err := r.Cookie(p.stateCookie)
	if err != nil {
		return errors.New("missing auth state")
	}
	var stateData statePayload
	if err := p.stateCodec.Decode(cookie.Value, &stateData); err != nil {
		return err
	}
	if stateData.ExpiresAt < p.now().Unix() {
		return errors.New("state expired")
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(stateData.State)) != 1 {
		return errors.New("invalid state")
	}

	c, err := p.clients.Get(r.Context())
	if err != nil {
		return err
	}
	claims, err := c.Exchange(r.Context(), code, stateData.Verifier, p.redirectURI(r))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(stateData.Nonce)) != 1 {
		return errors.New("invalid nonce")
	}

	identity := &auth.Identity{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		ExpiresAt: claims.Expiry,
	}
	if identity.ExpiresAt.IsZero() || !identity.ExpiresAt.After(p.now()) {
		identity.ExpiresAt = p.now().Add(p.sessions.TTL())
	}
	if err := p.sessions.Write(w, r, identity); err != nil {
		return err
	}

	logger.Info("login completed", "sub", identity.Subject)
	http.Redirect(w, r, auth.SafeReturnPath(stateData.ReturnTo), http.StatusFound)
	return nil
}

// HandleLogout clears the session and ends the provider session when the
// provider advertises an end-session endpoint.
func (p *Provider) HandleLogout(w http.ResponseWriter, r *http.Request) error {
	p.sessions.Clear(w)

	target := "/"
	if c, err := p.clients.Get(r.Context()); err == nil {
		if endSession := c.EndSessionURL(p.baseURL(r) + "/"); endSession != "" {
			target = endSession
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

type statePayload struct {
	State     string `json:"state"`
	Nonce     string `json:"nonce"`
	Verifier  string `json:"verifier"`
	ReturnTo  string `json:"return_to"`
	ExpiresAt int64  `json:"expires_at"`
}

func (p *Provider) redirectURI(r *http.Request) string {
	return p.baseURL(r) + p.callbackPath
}

func (p *Provider) baseURL(r *http.Request) string {
	if p.publicURL != "" {
		return p.publicURL
	}
	scheme := "http"
	if session.IsSecure(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
