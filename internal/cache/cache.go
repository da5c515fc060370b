// Package cache is a small key/value abstraction with TTLs used for browser
// sessions and parked login requests.
//
// Backends:
//   - memory (patrickmn/go-cache), single process only
//   - redis (go-redis), shared between replicas
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Client defines the cache operations.
type Client interface {
	// Get returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value with a TTL. A zero ttl never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Take returns the value and deletes the key in one step, so a value can
	// be redeemed once.
	Take(ctx context.Context, key string) (string, error)

	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error

	Close() error
}
