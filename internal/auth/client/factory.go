package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gwlsn/authrim-gateway/internal/config"
	"github.com/gwlsn/authrim-gateway/internal/logger"
)

// ErrCleared is returned to callers whose construction finished after the
// factory was torn down.
var ErrCleared = errors.New("auth client cleared during construction")

const (
	defaultBuildTimeout = time.Minute
	flightKey           = "client"
)

// Constructor builds a client from configuration.
type Constructor func(ctx context.Context, cfg config.AuthConfig) (*Client, error)

// Factory owns the process-wide client. The first Get constructs it;
// concurrent first calls wait for that single construction.
type Factory struct {
	env       config.Env
	construct Constructor
	timeout   time.Duration

	mu         sync.RWMutex
	current    *Client
	generation uint64
	group      singleflight.Group
}

// NewFactory returns a factory that reads configuration from env and builds
// clients with opts.
func NewFactory(env config.Env, opts Options) *Factory {
	return NewFactoryWithConstructor(env, func(ctx context.Context, cfg config.AuthConfig) (*Client, error) {
		return New(ctx, cfg, opts)
	})
}

// NewFactoryWithConstructor is NewFactory with a custom constructor.
func NewFactoryWithConstructor(env config.Env, construct Constructor) *Factory {
	return &Factory{env: env, construct: construct, timeout: defaultBuildTimeout}
}

// Get returns the cached client, constructing it on first use. Configuration
// errors are returned as *config.ConfigurationError and are not cached.
func (f *Factory) Get(ctx context.Context) (*Client, error) {
	if c := f.cached(); c != nil {
		return c, nil
	}

	ch := f.group.DoChan(flightKey, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return f.build(buildCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Client), nil
	}
}

// Clear closes the cached client, if any, and resets the factory.
func (f *Factory) Clear() {
	f.mu.Lock()
	c := f.current
	f.current = nil
	f.generation++
	// A build still in flight belongs to the old generation; later callers
	// must start their own instead of joining it.
	f.group.Forget(flightKey)
	f.mu.Unlock()

	if c != nil {
		c.Close()
		logger.Debug("auth client cleared")
	}
}

// AuthConfig returns the issuer and client id in effect: those of the cached
// client when one exists, otherwise the current configuration.
func (f *Factory) AuthConfig() (config.AuthConfig, error) {
	if c := f.cached(); c != nil {
		return c.Config(), nil
	}
	return config.LoadAuth(f.env)
}

func (f *Factory) cached() *Client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

func (f *Factory) build(ctx context.Context) (*Client, error) {
	f.mu.RLock()
	if f.current != nil {
		c := f.current
		f.mu.RUnlock()
		return c, nil
	}
	generation := f.generation
	f.mu.RUnlock()

	cfg, err := config.LoadAuth(f.env)
	if err != nil {
		return nil, err
	}
	c, err := f.construct(ctx, cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generation != generation {
		c.Close()
		return nil, ErrCleared
	}
	f.current = c
	logger.Info("auth client ready", "issuer", cfg.Issuer, "client_id", cfg.ClientID)
	return c, nil
}
