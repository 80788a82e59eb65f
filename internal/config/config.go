package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides for the server file.
const (
	ListenKey          = "AUTHRIM_LISTEN"
	LogLevelKey        = "AUTHRIM_LOG_LEVEL"
	PublicURLKey       = "AUTHRIM_PUBLIC_URL"
	ClientSecretKey    = "AUTHRIM_CLIENT_SECRET"
	SessionSecretKey   = "AUTHRIM_SESSION_SECRET"
	HandoffRedisURLKey = "AUTHRIM_HANDOFF_REDIS_URL"
)

// Defaults used when the config file leaves a value unset.
const (
	DefaultListen           = ":8080"
	DefaultLoginURL         = "/login"
	DefaultRedirectParam    = "redirectTo"
	DefaultCallbackPath     = "/callback"
	DefaultCallbackError    = "/login?error=callback_failed"
	DefaultHandoffError     = "/login?error=handoff_failed"
	DefaultHandoffParam     = "handoff_token"
	DefaultHandoffTTL       = time.Minute
	DefaultSessionCookie    = "authrim_session"
	DefaultSessionTTL       = 24 * time.Hour
	DefaultHandoffKeyPrefix = "authrim:handoff:"
)

// Config holds the gateway server settings. The issuer and client id are
// deliberately absent: they are read through LoadAuth at first use.
type Config struct {
	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// TrustProxy takes the client address from X-Forwarded-For and X-Real-IP.
	TrustProxy bool `yaml:"trust_proxy"`

	// PublicURL is the externally visible base URL, used to build the
	// redirect URI. Derived from the request when empty.
	PublicURL    string   `yaml:"public_url"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	CallbackPaths []string `yaml:"callback_paths"`
	CallbackError string   `yaml:"callback_error_redirect"`
	LoginURL      string   `yaml:"login_url"`
	RedirectParam string   `yaml:"redirect_param"`

	Session SessionConfig `yaml:"session"`
	Handoff HandoffConfig `yaml:"handoff"`
}

// SessionConfig controls the signed session cookie.
type SessionConfig struct {
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl"`
	Secret     string        `yaml:"secret"`
}

// HandoffConfig controls session handoff between applications.
type HandoffConfig struct {
	Param         string        `yaml:"param"`
	ErrorRedirect string        `yaml:"error_redirect"`
	TTL           time.Duration `yaml:"ttl"`
	AllowedHosts  []string      `yaml:"allowed_hosts"`
	RedisURL      string        `yaml:"redis_url"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// Load reads the optional YAML file at path, then applies environment
// overrides and defaults. An empty path or a missing file yields defaults.
func Load(path string, env Env) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv(env)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env Env) {
	override := func(dst *string, key string) {
		if v := lookup(env, key); v != "" {
			*dst = v
		}
	}
	override(&c.Listen, ListenKey)
	override(&c.LogLevel, LogLevelKey)
	override(&c.PublicURL, PublicURLKey)
	override(&c.ClientSecret, ClientSecretKey)
	override(&c.Session.Secret, SessionSecretKey)
	override(&c.Handoff.RedisURL, HandoffRedisURLKey)
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if len(c.CallbackPaths) == 0 {
		c.CallbackPaths = []string{DefaultCallbackPath}
	}
	if c.CallbackError == "" {
		c.CallbackError = DefaultCallbackError
	}
	if c.LoginURL == "" {
		c.LoginURL = DefaultLoginURL
	}
	if c.RedirectParam == "" {
		c.RedirectParam = DefaultRedirectParam
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultSessionCookie
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Handoff.Param == "" {
		c.Handoff.Param = DefaultHandoffParam
	}
	if c.Handoff.ErrorRedirect == "" {
		c.Handoff.ErrorRedirect = DefaultHandoffError
	}
	if c.Handoff.TTL == 0 {
		c.Handoff.TTL = DefaultHandoffTTL
	}
	if c.Handoff.KeyPrefix == "" {
		c.Handoff.KeyPrefix = DefaultHandoffKeyPrefix
	}
}

// Validate checks values that cannot be repaired by defaults.
func (c *Config) Validate() error {
	for _, p := range c.CallbackPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("callback path %q must start with /", p)
		}
	}
	if !strings.HasPrefix(c.LoginURL, "/") {
		return fmt.Errorf("login_url %q must be a local path", c.LoginURL)
	}
	if c.Session.TTL < 0 {
		return errors.New("session ttl must be positive")
	}
	if c.Handoff.TTL < 0 || c.Handoff.TTL > MaxHandoffTTL {
		return fmt.Errorf("handoff ttl must be between 0 and %s", MaxHandoffTTL)
	}
	return nil
}

// MaxHandoffTTL bounds the lifetime of a handoff token.
const MaxHandoffTTL = 2 * time.Minute
