package kv

import (
	"context"
	"time"
)

// Store is the key-value contract every coordination primitive builds on.
// Implementations must give all operations last-write-wins semantics and
// honor TTLs: an expired key behaves exactly like a missing key.
type Store interface {
	// SetNX writes key=value with the given TTL only if the key is absent.
	// Returns false (and writes nothing) when the key already exists.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set writes key=value unconditionally and resets the TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key, or a shared.NotFoundError when the key
	// is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Del removes the given keys and returns how many existed.
	// Missing keys are not an error.
	Del(ctx context.Context, keys ...string) (int64, error)

	// CompareAndDelete removes key only if its current value equals expected.
	// Returns false when the key is absent or holds a different value.
	// The check and the delete are atomic.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Keys returns all keys starting with prefix, sorted. An empty prefix
	// enumerates the whole namespace. Advisory: the snapshot may already be
	// stale when it returns.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// TTL reports the remaining lifetime of key. Missing or expired keys
	// return a shared.NotFoundError; keys without an expiry return -1.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Sweeper is implemented by stores that need periodic expiry collection.
// The scheduler calls Sweep on an interval when the store supports it.
type Sweeper interface {
	Sweep() int
}
