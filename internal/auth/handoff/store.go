package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenReplayed is returned when a handoff token id has already been used.
var ErrTokenReplayed = errors.New("handoff token already used")

// Store records handoff token ids so each token is accepted at most once.
type Store interface {
	// Claim marks id as used for ttl. It returns ErrTokenReplayed when id
	// was already claimed.
	Claim(ctx context.Context, id string, ttl time.Duration) error
	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time), now: time.Now}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expiry := range s.seen {
		if !expiry.After(now) {
			delete(s.seen, key)
		}
	}
	if _, ok := s.seen[id]; ok {
		return ErrTokenReplayed
	}
	s.seen[id] = now.Add(ttl)
	return nil
}

// Len returns the number of unexpired claims.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// RedisStore shares claims between gateway replicas through Redis.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to the Redis instance at rawURL
// (redis://[user:pass@]host:port/db) and verifies the connection.
func NewRedisStore(ctx context.Context, rawURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, keyPrefix), nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Claim implements Store using SET NX with expiry.
func (s *RedisStore) Claim(ctx context.Context, id string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+id, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("claim handoff token: %w", err)
	}
	if !ok {
		return ErrTokenReplayed
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
