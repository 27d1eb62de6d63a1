// Package rediskv implements the L2 shared cache tier over Redis. Adapted
// from the teacher's staging redis_cache.go, upgraded to the go-redis/v9
// client already used elsewhere in the module, with JSON marshaling at the
// boundary so callers store and retrieve concrete Go values rather than
// raw bytes.
package rediskv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the L2 cache: a thin, typed wrapper over a Redis client.
type Store struct {
	client *redis.Client
}

// Config configures the underlying Redis connection pool.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials addr and verifies connectivity with a Ping, matching the
// teacher's fail-fast construction style.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("rediskv: ping %s: %w", cfg.Addr, err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an already-constructed client, used by tests against
// a miniredis or redismock instance.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get unmarshals the value stored at key into dest. Returns redis.Nil
// (via errors.Is) when the key is absent — callers treat that as a cache
// miss, not an error.
func (s *Store) Get(ctx context.Context, key string, dest any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Set marshals value and stores it under key with the given TTL. value
// must already be a concrete, ready-to-serialize payload — Set never
// accepts a function or channel, enforcing the "materialize before
// caching" rule.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("rediskv: marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Clear removes every key matching pattern (e.g. "ohlcv:AAPL:*").
func (s *Store) Clear(ctx context.Context, pattern string) error {
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var toDelete []string
	for iter.Next(ctx) {
		toDelete = append(toDelete, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(toDelete) == 0 {
		return nil
	}
	return s.client.Del(ctx, toDelete...).Err()
}

// TTL reports the remaining time-to-live for key, matching go-redis's
// semantics for absent vs. no-expiry keys.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// IsMiss reports whether err represents a cache-miss (key absent), as
// opposed to a transport or serialization failure.
func IsMiss(err error) bool {
	return err == redis.Nil
}
