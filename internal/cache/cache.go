// Package cache provides the shared key/value backends used for
// service-availability flags and hourly delivery counters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache defines the interface that all cache implementations must satisfy
type Cache interface {
	// Connect establishes a connection to the cache
	Connect(ctx context.Context) error

	// Close closes the connection to the cache
	Close() error

	// Type returns the type of the cache (e.g., "redis", "memcached", etc.)
	Type() string

	// Get retrieves a string value
	Get(ctx context.Context, key string) (string, error)

	// SetNX stores value only if the key does not exist. It reports whether
	// the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Exists checks if a key exists in the cache
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr adds one to a counter and returns the new value. A counter that
	// does not exist is created with the given ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Config represents the configuration for a cache
type Config struct {
	Type     string // memory, redis or memcached
	Host     string
	Port     int
	Password string
	Database int           // Database number (for Redis)
	Servers  []string      // Additional memcached servers
	Timeout  time.Duration // Per-operation timeout for network caches
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}
