package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Env is a read-only source of environment values.
type Env interface {
	Lookup(key string) (string, bool)
}

// OSEnv reads from the process environment.
type OSEnv struct{}

// Lookup implements Env.
func (OSEnv) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapEnv is an injected environment, e.g. the platform env of a deployment
// that does not expose values through the process environment.
type MapEnv map[string]string

// Lookup implements Env.
func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

type chainEnv []Env

// Chain returns an Env that consults each source in order. The first source
// holding a non-empty value for a key wins.
func Chain(envs ...Env) Env {
	filtered := make(chainEnv, 0, len(envs))
	for _, env := range envs {
		if env != nil {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

func (c chainEnv) Lookup(key string) (string, bool) {
	found := false
	for _, env := range c {
		v, ok := env.Lookup(key)
		if ok && v != "" {
			return v, true
		}
		found = found || ok
	}
	return "", found
}

// DotEnv reads the given .env files into a MapEnv without touching the
// process environment. Missing files are skipped; earlier files take
// precedence over later ones.
func DotEnv(paths ...string) (MapEnv, error) {
	merged := MapEnv{}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range values {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func lookup(env Env, key string) string {
	if env == nil {
		return ""
	}
	v, _ := env.Lookup(key)
	return v
}
