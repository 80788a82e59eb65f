package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/gwlsn/authrim-gateway/internal/auth"
	"github.com/gwlsn/authrim-gateway/internal/auth/handoff"
	"github.com/gwlsn/authrim-gateway/internal/config"
)

const testSecret = "a-long-shared-session-secret-for-tests"

func configuredEnv() config.MapEnv {
	return config.MapEnv{
		config.IssuerKey:        "https://id.example.com",
		config.ClientIDKey:      "gateway",
		config.SessionSecretKey: testSecret,
	}
}

func newServer(t *testing.T, env config.MapEnv, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg, err := config.Load("", env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Handoff.AllowedHosts = []string{"docs.example.com"}
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(context.Background(), cfg, env)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func get(s *Server, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, s *Server, identity *auth.Identity) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := s.sessions.Write(rec, httptest.NewRequest(http.MethodGet, "/", nil), identity); err != nil {
		t.Fatal(err)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == s.sessions.CookieName() {
			return c
		}
	}
	t.Fatal("no session cookie written")
	return nil
}

func TestStageOrder(t *testing.T) {
	s := newServer(t, configuredEnv(), nil)
	want := []string{"request_id", "recovery", "logging", "auth", "handoff"}
	if diff := cmp.Diff(want, s.Stages()); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestRoutesWithoutSession(t *testing.T) {
	s := newServer(t, configuredEnv(), nil)

	tests := []struct {
		target       string
		wantStatus   int
		wantLocation string
	}{
		{"/", http.StatusOK, ""},
		{"/healthz", http.StatusOK, ""},
		{"/account", http.StatusFound, "/login?redirectTo=/account"},
		{"/account?tab=keys", http.StatusFound, "/login?redirectTo=/account%3Ftab%3Dkeys"},
		{"/handoff?to=https://docs.example.com/", http.StatusFound, "/login"},
		{"/?handoff_token=bogus", http.StatusFound, "/login?error=handoff_failed"},
		{"/callback?code=x&state=y", http.StatusFound, "/login?error=callback_failed"},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := get(s, tt.target)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
		})
	}
}

func TestAccountWithSession(t *testing.T) {
	s := newServer(t, configuredEnv(), nil)
	cookie := sessionCookie(t, s, &auth.Identity{Subject: "user-1", Email: "ada@example.com"})

	rec := get(s, "/account", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ada@example.com") {
		t.Errorf("account page missing email:\n%s", rec.Body.String())
	}

	metrics := get(s, "/metrics").Body.String()
	for _, want := range []string{
		`authrim_gateway_guard_decisions_total{result="allowed"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestUnconfiguredGateway(t *testing.T) {
	s := newServer(t, config.MapEnv{}, nil)

	if rec := get(s, "/login"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/login status = %d, want 503", rec.Code)
	}
	if rec := get(s, "/"); rec.Code != http.StatusOK {
		t.Errorf("/ status = %d, want 200", rec.Code)
	}
	if rec := get(s, "/account"); rec.Header().Get("Location") != "/login?redirectTo=/account" {
		t.Errorf("/account Location = %q", rec.Header().Get("Location"))
	}
}

// TestHandoffBetweenGateways issues a token on one gateway and redeems it on
// another that shares the session secret and a Redis replay store.
func TestHandoffBetweenGateways(t *testing.T) {
	mr := miniredis.RunT(t)
	withRedis := func(cfg *config.Config) { cfg.Handoff.RedisURL = "redis://" + mr.Addr() }
	source := newServer(t, configuredEnv(), withRedis)
	target := newServer(t, configuredEnv(), withRedis)

	cookie := sessionCookie(t, source, &auth.Identity{Subject: "user-1", Email: "ada@example.com", SessionID: "sid-1"})
	issued := get(source, "/handoff?to="+url.QueryEscape("https://docs.example.com/account?tab=1"), cookie)
	if issued.Code != http.StatusFound {
		t.Fatalf("issue status = %d: %s", issued.Code, issued.Body.String())
	}
	location, err := url.Parse(issued.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if location.Host != "docs.example.com" {
		t.Fatalf("issued redirect to %s", location)
	}

	redeemed := get(target, location.RequestURI())
	if redeemed.Code != http.StatusFound || redeemed.Header().Get("Location") != "/account?tab=1" {
		t.Fatalf("redeem: status=%d location=%q", redeemed.Code, redeemed.Header().Get("Location"))
	}
	var targetCookie *http.Cookie
	for _, c := range redeemed.Result().Cookies() {
		if c.Name == target.sessions.CookieName() {
			targetCookie = c
		}
	}
	if targetCookie == nil {
		t.Fatal("no session cookie after handoff")
	}
	if rec := get(target, "/account?tab=1", targetCookie); rec.Code != http.StatusOK {
		t.Errorf("account after handoff: status = %d", rec.Code)
	}

	// Redeeming again on either gateway is a replay.
	for _, s := range []*Server{target, source} {
		if rec := get(s, location.RequestURI()); rec.Header().Get("Location") != "/login?error=handoff_failed" {
			t.Errorf("replay Location = %q", rec.Header().Get("Location"))
		}
	}
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	env := configuredEnv()
	cfg, err := config.Load("", env)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Handoff.RedisURL = "redis://127.0.0.1:1"

	if _, err := New(context.Background(), cfg, env); err == nil {
		t.Error("expected error for unreachable redis")
	}
}

func TestMemoryStoreByDefault(t *testing.T) {
	s := newServer(t, configuredEnv(), nil)
	if _, ok := s.store.(*handoff.MemoryStore); !ok {
		t.Errorf("store = %T, want *handoff.MemoryStore", s.store)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newServer(t, configuredEnv(), nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()

	resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("healthz body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestDeriveKeysAreDistinct(t *testing.T) {
	keys, err := deriveKeys(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if string(keys.session) == string(keys.state) || string(keys.session) == string(keys.handoff) {
		t.Error("derived keys must differ per purpose")
	}
	again, _ := deriveKeys(testSecret)
	if string(again.session) != string(keys.session) {
		t.Error("derivation is not deterministic")
	}
}

func TestStageOrderBehindTrustedProxy(t *testing.T) {
	s := newServer(t, configuredEnv(), func(cfg *config.Config) { cfg.TrustProxy = true })
	want := []string{"request_id", "real_ip", "recovery", "logging", "auth", "handoff"}
	if diff := cmp.Diff(want, s.Stages()); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestHandoffSignerFollowsConfiguration(t *testing.T) {
	env := config.MapEnv{config.SessionSecretKey: testSecret}
	s := newServer(t, env, nil)
	cookie := sessionCookie(t, s, &auth.Identity{Subject: "user-1"})
	target := "/handoff?to=" + url.QueryEscape("https://docs.example.com/")

	if rec := get(s, target, cookie); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured status = %d, want 503", rec.Code)
	}

	env[config.IssuerKey] = "https://id.example.com"
	env[config.ClientIDKey] = "gateway"
	rec := get(s, target, cookie)
	if rec.Code != http.StatusFound {
		t.Fatalf("configured status = %d, want 302", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.signer.Verify(location.Query().Get(handoff.DefaultParam))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Issuer != "https://id.example.com" {
		t.Errorf("iss = %q", claims.Issuer)
	}
}
