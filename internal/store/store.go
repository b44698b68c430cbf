package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: not found")

// ErrLockHeld is returned when a lock is already held by another owner.
var ErrLockHeld = errors.New("store: lock held")

// KV is a durable key-value repository with per-key TTL expiry and
// last-writer-wins semantics. No multi-key transactions are offered.
type KV interface {
	// Get returns the value for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the value. ttl <= 0 means the key never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys matching the prefix, unexpired only.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Lock is a held distributed lock.
type Lock interface {
	// Release frees the lock. Safe to call once per acquisition.
	Release(ctx context.Context) error
}

// Locker provides mutual exclusion across processes sharing the store.
type Locker interface {
	// Acquire takes the named lock or returns ErrLockHeld without waiting.
	// ttl bounds how long a crashed holder can keep the lock.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}
