// Package redis provides a Redis-based implementation of the storage.Store
// interface. All values for one scope live in a single hash so Clear is a
// single DEL.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/locshare-go/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store. Defaults can be
// loaded via envdecode.
type Config struct {
	// Client is the Redis client instance. When nil, New dials Addr.
	Client redis.UniversalClient

	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`

	// KeyPrefix is the prefix for all Redis keys. ENV: LOCSHARE_STORE_PREFIX
	// Default: "locshare:store:"
	KeyPrefix string `env:"LOCSHARE_STORE_PREFIX,default=locshare:store:"`

	// Scope separates the records of different hosts or users sharing one
	// Redis. ENV: LOCSHARE_STORE_SCOPE
	Scope string `env:"LOCSHARE_STORE_SCOPE,default=default"`
}

// Store implements the storage.Store interface using Redis.
type Store struct {
	client    redis.UniversalClient
	ownClient bool
	key       string
}

// New creates a new Redis-based store and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "locshare:store:"
	}
	if cfg.Scope == "" {
		cfg.Scope = "default"
	}

	client := cfg.Client
	own := false
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		own = true
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if own {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{
		client:    client,
		ownClient: own,
		key:       cfg.KeyPrefix + cfg.Scope,
	}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis store config: %w", err)
	}
	return New(ctx, cfg)
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if key == "" {
		return "", false, storage.ErrEmptyKey
	}

	v, err := s.client.HGet(ctx, s.key, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get %s from %s: %w", key, s.key, err)
	}
	return v, true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return storage.ErrEmptyKey
	}

	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set %s in %s: %w", key, s.key, err)
	}
	return nil
}

// Clear removes every value in the scope.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.client.Del(ctx, s.key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to clear %s: %w", s.key, err)
	}
	return nil
}

// Close closes the Redis client when the store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
