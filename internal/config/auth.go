package config

import (
	"errors"
	"fmt"

	"github.com/gwlsn/authrim-gateway/internal/logger"
)

const (
	// IssuerKey names the environment variable holding the issuer URL.
	IssuerKey = "PUBLIC_AUTHRIM_ISSUER"
	// ClientIDKey names the environment variable holding the client id.
	ClientIDKey = "PUBLIC_AUTHRIM_CLIENT_ID"
)

// ErrMissingConfig is matched by every ConfigurationError.
var ErrMissingConfig = errors.New("missing configuration")

// ConfigurationError reports a required configuration value that is absent or empty.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s is not set", e.Key)
}

// Is lets errors.Is(err, ErrMissingConfig) match any ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrMissingConfig
}

// AuthConfig identifies this application to the authentication provider.
type AuthConfig struct {
	Issuer   string
	ClientID string
}

// LoadAuth reads the issuer and client id from env. The issuer is checked
// first, so an environment missing both reports the issuer.
func LoadAuth(env Env) (AuthConfig, error) {
	issuer := lookup(env, IssuerKey)
	if issuer == "" {
		return AuthConfig{}, &ConfigurationError{Key: IssuerKey}
	}
	clientID := lookup(env, ClientIDKey)
	if clientID == "" {
		return AuthConfig{}, &ConfigurationError{Key: ClientIDKey}
	}
	return AuthConfig{Issuer: issuer, ClientID: clientID}, nil
}

// WarnIfMissing logs a single startup warning when either auth variable is
// absent. Validation proper happens on first use.
func WarnIfMissing(env Env) bool {
	if lookup(env, IssuerKey) != "" && lookup(env, ClientIDKey) != "" {
		return false
	}
	logger.Warn("[Authrim] Missing environment variables. Set " + IssuerKey + " and " + ClientIDKey + ".")
	return true
}
