package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gwlsn/authrim-gateway/internal/logger"
)

func TestLoadAuthMissing(t *testing.T) {
	// Whichever variable is absent (or empty) must be named in the error,
	// and the error must match ErrMissingConfig.
	tests := []struct {
		name    string
		env     MapEnv
		wantKey string
	}{
		{"both missing", MapEnv{}, IssuerKey},
		{"issuer missing", MapEnv{ClientIDKey: "app"}, IssuerKey},
		{"issuer empty", MapEnv{IssuerKey: "", ClientIDKey: "app"}, IssuerKey},
		{"client id missing", MapEnv{IssuerKey: "https://id.example.com"}, ClientIDKey},
		{"client id empty", MapEnv{IssuerKey: "https://id.example.com", ClientIDKey: ""}, ClientIDKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAuth(tt.env)
			if err == nil {
				t.Fatal("expected error")
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %T is not a *ConfigurationError", err)
			}
			if cfgErr.Key != tt.wantKey {
				t.Errorf("missing key = %s, want %s", cfgErr.Key, tt.wantKey)
			}
			if !errors.Is(err, ErrMissingConfig) {
				t.Error("error does not match ErrMissingConfig")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error %q does not name %s", err, tt.wantKey)
			}
		})
	}
}

func TestLoadAuthReturnsValuesUnmodified(t *testing.T) {
	env := MapEnv{
		IssuerKey:   " https://id.example.com/tenant/ ",
		ClientIDKey: "Client-ID_123",
	}
	got, err := LoadAuth(env)
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	want := AuthConfig{Issuer: " https://id.example.com/tenant/ ", ClientID: "Client-ID_123"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadAuth mismatch (-want +got):\n%s", diff)
	}
}

func TestChainPrefersFirstNonEmpty(t *testing.T) {
	env := Chain(
		MapEnv{IssuerKey: ""},
		nil,
		MapEnv{IssuerKey: "https://platform.example.com", ClientIDKey: "platform"},
		MapEnv{ClientIDKey: "fallback"},
	)

	got, err := LoadAuth(env)
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	if got.Issuer != "https://platform.example.com" || got.ClientID != "platform" {
		t.Errorf("unexpected config: %+v", got)
	}

	if _, ok := env.Lookup("UNSET"); ok {
		t.Error("Lookup reported an unset key as present")
	}
}

func TestWarnIfMissing(t *testing.T) {
	prev := logger.Log
	t.Cleanup(func() { logger.Log = prev })

	var buf bytes.Buffer
	logger.Setup(&buf, "info", "text")

	if WarnIfMissing(MapEnv{IssuerKey: "https://id.example.com", ClientIDKey: "app"}) {
		t.Error("complete env reported as missing")
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %q", buf.String())
	}

	if !WarnIfMissing(MapEnv{IssuerKey: "https://id.example.com"}) {
		t.Error("incomplete env not reported")
	}
	if !strings.Contains(buf.String(), "Missing environment variables") {
		t.Errorf("warning not logged: %q", buf.String())
	}
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, ".env.local")
	second := filepath.Join(dir, ".env")
	if err := os.WriteFile(first, []byte("PUBLIC_AUTHRIM_ISSUER=https://local.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("PUBLIC_AUTHRIM_ISSUER=https://shared.example.com\nPUBLIC_AUTHRIM_CLIENT_ID=shared\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	env, err := DotEnv(first, filepath.Join(dir, "missing.env"), second)
	if err != nil {
		t.Fatalf("DotEnv: %v", err)
	}
	want := MapEnv{
		IssuerKey:   "https://local.example.com",
		ClientIDKey: "shared",
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("DotEnv mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", MapEnv{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if diff := cmp.Diff([]string{"/callback"}, cfg.CallbackPaths); diff != "" {
		t.Errorf("CallbackPaths (-want +got):\n%s", diff)
	}
	if cfg.LoginURL != "/login" || cfg.RedirectParam != "redirectTo" {
		t.Errorf("guard defaults = %q %q", cfg.LoginURL, cfg.RedirectParam)
	}
	if cfg.Handoff.ErrorRedirect != "/login?error=handoff_failed" {
		t.Errorf("Handoff.ErrorRedirect = %q", cfg.Handoff.ErrorRedirect)
	}
	if cfg.Session.TTL != DefaultSessionTTL {
		t.Errorf("Session.TTL = %v", cfg.Session.TTL)
	}
}

func TestLoadFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := `
listen: ":9000"
public_url: "https://app.example.com/"
callback_paths: ["/callback", "/auth/callback"]
session:
  ttl: 2h
handoff:
  ttl: 30s
  allowed_hosts: ["docs.example.com"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, MapEnv{
		ListenKey:        ":9100",
		SessionSecretKey: "s3cret",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":9100" {
		t.Errorf("env override not applied: Listen = %q", cfg.Listen)
	}
	if cfg.PublicURL != "https://app.example.com" {
		t.Errorf("PublicURL = %q", cfg.PublicURL)
	}
	if cfg.Session.TTL != 2*time.Hour || cfg.Session.Secret != "s3cret" {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Handoff.TTL != 30*time.Second {
		t.Errorf("Handoff.TTL = %v", cfg.Handoff.TTL)
	}
	if diff := cmp.Diff([]string{"/callback", "/auth/callback"}, cfg.CallbackPaths); diff != "" {
		t.Errorf("CallbackPaths (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"relative callback", "callback_paths: [\"callback\"]"},
		{"absolute login url", "login_url: \"https://evil.example.com/login\""},
		{"handoff ttl too long", "handoff:\n  ttl: 10m"},
		{"malformed yaml", "listen: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gateway.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path, MapEnv{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), MapEnv{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q", cfg.Listen)
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{".env", []string{".env"}},
		{" .env.local , ,.env ", []string{".env.local", ".env"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, SplitList(tt.in)); diff != "" {
			t.Errorf("SplitList(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}
