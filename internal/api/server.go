// Package api wires the gateway's HTTP surface: the request middleware
// chain, routes and server lifecycle.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gwlsn/authrim-gateway/internal/account"
	"github.com/gwlsn/authrim-gateway/internal/auth"
	"github.com/gwlsn/authrim-gateway/internal/auth/client"
	"github.com/gwlsn/authrim-gateway/internal/auth/handoff"
	"github.com/gwlsn/authrim-gateway/internal/auth/oidc"
	"github.com/gwlsn/authrim-gateway/internal/auth/session"
	"github.com/gwlsn/authrim-gateway/internal/config"
	"github.com/gwlsn/authrim-gateway/internal/logger"
	"github.com/gwlsn/authrim-gateway/internal/metrics"
	"github.com/gwlsn/authrim-gateway/internal/middleware"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server is the gateway HTTP server and the resources it owns.
type Server struct {
	cfg      *config.Config
	clients  *client.Factory
	sessions *session.Manager
	provider *oidc.Provider
	signer   *handoff.Signer
	store    handoff.Store
	metrics  *metrics.Recorder
	chain    *middleware.Chain
	handler  http.Handler
}

// New builds the server from cfg. Issuer and client id are read from env;
// when they are missing the server still starts and auth routes answer 503.
func New(ctx context.Context, cfg *config.Config, env config.Env) (*Server, error) {
	keys, err := deriveKeys(cfg.Session.Secret)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		metrics: metrics.New(),
		clients: client.NewFactory(env, client.Options{
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
		}),
	}

	s.sessions, err = session.NewManager(keys.session,
		session.WithCookieName(cfg.Session.CookieName),
		session.WithTTL(cfg.Session.TTL))
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	s.provider, err = oidc.NewProvider(s.clients, s.sessions, keys.state, oidc.Options{
		PublicURL:    cfg.PublicURL,
		CallbackPath: cfg.CallbackPaths[0],
		ReturnParam:  cfg.RedirectParam,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	// An unconfigured signer rejects every handoff, which ends in the
	// handoff error redirect.
	s.signer, err = handoff.NewSignerWithSource(keys.handoff, s.clients.AuthConfig)
	if err != nil {
		return nil, fmt.Errorf("handoff signer: %w", err)
	}

	if cfg.Handoff.RedisURL != "" {
		s.store, err = handoff.NewRedisStore(ctx, cfg.Handoff.RedisURL, cfg.Handoff.KeyPrefix)
		if err != nil {
			return nil, err
		}
		logger.Info("handoff replay store", "backend", "redis")
	} else {
		s.store = handoff.NewMemoryStore()
	}

	stages := []middleware.Stage{middleware.RequestID()}
	if cfg.TrustProxy {
		stages = append(stages, middleware.RealIP())
	}
	stages = append(stages,
		middleware.Recovery(),
		middleware.Logging(),
		s.authStage(),
		s.handoffStage(),
	)
	s.chain = middleware.New(stages...)
	s.handler, err = s.chain.Then(s.Routes())
	if err != nil {
		_ = s.store.Close()
		return nil, fmt.Errorf("middleware chain: %w", err)
	}
	return s, nil
}

func (s *Server) authStage() middleware.Stage {
	mw := auth.NewMiddleware(s.provider, s.cfg.CallbackPaths, s.cfg.CallbackError)
	return middleware.Stage{
		Name:     "auth",
		Provides: []string{middleware.FieldIdentity},
		Wrap:     mw.Wrap,
	}
}

func (s *Server) handoffStage() middleware.Stage {
	h := &handoff.Handler{
		Signer:        s.signer,
		Store:         s.store,
		Sessions:      s.sessions,
		Param:         s.cfg.Handoff.Param,
		ErrorRedirect: s.cfg.Handoff.ErrorRedirect,
		Metrics:       s.metrics,
	}
	return middleware.Stage{
		Name:     "handoff",
		Requires: []string{middleware.FieldIdentity},
		Provides: []string{middleware.FieldIdentity},
		Wrap:     h.Wrap,
	}
}

// Routes returns the router without the middleware chain.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	guard := s.guard(auth.RequireAuth(auth.GuardOptions{
		LoginURL:      s.cfg.LoginURL,
		RedirectParam: s.cfg.RedirectParam,
	}))

	r.Get("/", auth.OptionalAuth().Handler(account.Home).ServeHTTP)
	r.Get("/login", auth.LoginHandler(s.provider))
	r.Get("/logout", auth.LogoutHandler(s.provider))
	r.Post("/logout", auth.LogoutHandler(s.provider))
	r.Get("/account", guard.Handler(account.Page).ServeHTTP)
	r.Method(http.MethodGet, "/handoff", &handoff.Issuer{
		Signer:       s.signer,
		Param:        s.cfg.Handoff.Param,
		TTL:          s.cfg.Handoff.TTL,
		AllowedHosts: s.cfg.Handoff.AllowedHosts,
		LoginURL:     s.cfg.LoginURL,
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// guard counts the decisions of a loader.
func (s *Server) guard(loader auth.Loader) auth.Loader {
	return func(r *http.Request) (*auth.PageData, error) {
		data, err := loader(r)
		s.metrics.Guard(err == nil)
		return data, err
	}
}

// Handler returns the full request pipeline.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Stages returns the middleware stage names in execution order.
func (s *Server) Stages() []string {
	return s.chain.Names()
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down and
// releases the auth client and replay store.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			serveErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	if err := s.Close(); err != nil && serveErr == nil {
		serveErr = err
	}
	logger.Info("gateway stopped")
	return serveErr
}

// Close releases the auth client and the replay store.
func (s *Server) Close() error {
	s.clients.Clear()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close handoff store: %w", err)
	}
	return nil
}

type keySet struct {
	session []byte
	state   []byte
	handoff []byte
}

// deriveKeys expands the session secret into per-purpose keys. Without a
// secret a random one is used, so sessions and handoffs do not survive a
// restart or span replicas.
func deriveKeys(secret string) (keySet, error) {
	raw := []byte(secret)
	if secret == "" {
		logger.Warn("no session secret configured, using a random key",
			"env", config.SessionSecretKey)
		var err error
		if raw, err = session.RandomSecret(32); err != nil {
			return keySet{}, err
		}
	}

	var keys keySet
	for _, k := range []struct {
		dst     *[]byte
		purpose string
	}{
		{&keys.session, "session"},
		{&keys.state, "oidc-state"},
		{&keys.handoff, "handoff"},
	} {
		key, err := session.DeriveKey(raw, k.purpose)
		if err != nil {
			return keySet{}, fmt.Errorf("derive %s key: %w", k.purpose, err)
		}
		*k.dst = key
	}
	return keys, nil
}
