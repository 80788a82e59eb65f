package handoff

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gwlsn/authrim-gateway/internal/auth"
	"github.com/gwlsn/authrim-gateway/internal/auth/session"
	"github.com/gwlsn/authrim-gateway/internal/logger"
	"github.com/gwlsn/authrim-gateway/internal/metrics"
)

// DefaultParam is the query parameter carrying a handoff token.
const DefaultParam = "handoff_token"

// Handler finalizes incoming handoffs: a request carrying a valid token gets
// a session cookie and is redirected to the same URL without the token. The
// identity attached by the auth handle, if any, decides whether the existing
// session already covers the token's subject. Any failure redirects to
// ErrorRedirect.
type Handler struct {
	Signer        *Signer
	Store         Store
	Sessions      *session.Manager
	Param         string
	ErrorRedirect string
	Metrics       *metrics.Recorder
}

// Wrap wraps an HTTP handler with handoff detection.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	if h == nil {
		return next
	}
	param := h.Param
	if param == "" {
		param = DefaultParam
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if !query.Has(param) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := h.finalize(r, query.Get(param))
		if err != nil {
			outcome := metrics.OutcomeFailure
			if errors.Is(err, ErrTokenReplayed) {
				outcome = metrics.OutcomeReplayed
			}
			h.Metrics.Handoff(outcome)
			logger.Warn("handoff rejected", "path", r.URL.Path, "error", err)
			http.Redirect(w, r, h.ErrorRedirect, http.StatusFound)
			return
		}
		// A request already carrying a session for the same subject keeps it.
		if current, ok := auth.IdentityFromContext(r.Context()); !ok || current.Subject != identity.Subject {
			if err := h.Sessions.Write(w, r, identity); err != nil {
				h.Metrics.Handoff(metrics.OutcomeFailure)
				logger.Warn("handoff session write failed", "error", err)
				http.Redirect(w, r, h.ErrorRedirect, http.StatusFound)
				return
			}
		}

		h.Metrics.Handoff(metrics.OutcomeSuccess)
		logger.Info("handoff completed", "sub", identity.Subject)
		query.Del(param)
		target := r.URL.EscapedPath()
		if encoded := query.Encode(); encoded != "" {
			target += "?" + encoded
		}
		http.Redirect(w, r, auth.SafeReturnPath(target), http.StatusFound)
	})
}

func (h *Handler) finalize(r *http.Request, raw string) (*auth.Identity, error) {
	if h.Signer == nil || h.Store == nil || h.Sessions == nil {
		return nil, errors.New("handoff is not configured")
	}
	if raw == "" {
		return nil, errors.New("empty handoff token")
	}
	claims, err := h.Signer.Verify(raw)
	if err != nil {
		return nil, err
	}
	ttl := claims.ExpiresAt.Time.Sub(h.Signer.now()) + clockSkew
	if ttl < clockSkew {
		ttl = clockSkew
	}
	if err := h.Store.Claim(r.Context(), claims.ID, ttl); err != nil {
		return nil, err
	}
	return claims.Identity(), nil
}

// Issuer starts outgoing handoffs: GET /handoff?to=<url> mints a token for
// the current identity and redirects to an allowed target.
type Issuer struct {
	Signer       *Signer
	Param        string
	TTL          time.Duration
	AllowedHosts []string
	LoginURL     string
}

// ServeHTTP implements http.Handler.
func (i *Issuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		loginURL := i.LoginURL
		if loginURL == "" {
			loginURL = "/login"
		}
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	target, err := url.Parse(r.URL.Query().Get("to"))
	if err != nil || !i.allowed(target) {
		http.Error(w, "handoff target not allowed", http.StatusBadRequest)
		return
	}

	token, err := i.Signer.Sign(identity, i.TTL)
	if err != nil {
		logger.Error("handoff token signing failed", "error", err)
		http.Error(w, "handoff unavailable", http.StatusServiceUnavailable)
		return
	}

	param := i.Param
	if param == "" {
		param = DefaultParam
	}
	q := target.Query()
	q.Set(param, token)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (i *Issuer) allowed(target *url.URL) bool {
	if target.Scheme != "https" && target.Scheme != "http" {
		return false
	}
	host := strings.ToLower(target.Hostname())
	for _, allowed := range i.AllowedHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}
