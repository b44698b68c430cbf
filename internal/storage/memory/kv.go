// Package memory provides in-process store implementations for
// single-process deployments and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/feedsentry/feedsentry/internal/scrape"
	"github.com/feedsentry/feedsentry/internal/store"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// KV is an in-memory store.KV with per-key TTL expiry.
type KV struct {
	clock scrape.Clock

	mu      sync.Mutex
	entries map[string]entry
}

// NewKV builds an empty KV.
func NewKV(clock scrape.Clock) *KV {
	return &KV{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get returns the value for key or store.ErrNotFound.
func (k *KV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok || k.expired(e) {
		delete(k.entries, key)
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Put writes the value with the given TTL (<=0 means no expiry).
func (k *KV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = k.clock.Now().Add(ttl)
	}
	k.entries[key] = e
	return nil
}

// Delete removes the key.
func (k *KV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, key)
	return nil
}

// List returns unexpired keys with the prefix.
func (k *KV) List(_ context.Context, prefix string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var keys []string
	for key, e := range k.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if k.expired(e) {
			delete(k.entries, key)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (k *KV) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !k.clock.Now().Before(e.expiresAt)
}

// Locker is an in-process store.Locker. It provides the same contract as the
// distributed implementations within a single deployment.
type Locker struct {
	clock scrape.Clock

	mu   sync.Mutex
	held map[string]time.Time // name -> expiry
}

// NewLocker builds an empty Locker.
func NewLocker(clock scrape.Clock) *Locker {
	return &Locker{
		clock: clock,
		held:  make(map[string]time.Time),
	}
}

// Acquire takes the named lock or returns store.ErrLockHeld.
func (l *Locker) Acquire(_ context.Context, name string, ttl time.Duration) (store.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[name]; ok {
		if expiry.IsZero() || l.clock.Now().Before(expiry) {
			return nil, store.ErrLockHeld
		}
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = l.clock.Now().Add(ttl)
	}
	l.held[name] = expiry
	return &memLock{locker: l, name: name}, nil
}

type memLock struct {
	locker *Locker
	name   string
	once   sync.Once
}

// Release frees the lock.
func (m *memLock) Release(context.Context) error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		delete(m.locker.held, m.name)
		m.locker.mu.Unlock()
	})
	return nil
}
