package cache

import (
	"context"
	"time"
)

// Cache defines the interface for short-lived key/value state such as
// session tokens and login challenges.
// MemoryCache serves single-instance deployments, RedisCache shared ones.
type Cache interface {
	// Get retrieves a value by key. Returns ErrCacheMiss if not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error

	// Take retrieves and removes a value in one step, so that only one
	// caller can ever consume it. Returns ErrCacheMiss if not found.
	Take(ctx context.Context, key string) ([]byte, error)

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)
}

// Common cache errors
type CacheError string

func (e CacheError) Error() string { return string(e) }

const (
	// ErrCacheMiss indicates the key was not found in cache.
	ErrCacheMiss CacheError = "cache miss"
)
