package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestKVPutGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := NewKV(&fakeClock{now: time.Now()})

	_, err := kv.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Put(ctx, "a", []byte("one"), 0))
	got, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestKVTTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	kv := NewKV(clock)

	require.NoError(t, kv.Put(ctx, "a", []byte("one"), time.Minute))
	_, err := kv.Get(ctx, "a")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = kv.Get(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestKVList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	kv := NewKV(clock)

	require.NoError(t, kv.Put(ctx, "streams/a", []byte("1"), 0))
	require.NoError(t, kv.Put(ctx, "streams/b", []byte("2"), time.Minute))
	require.NoError(t, kv.Put(ctx, "dedup/x", []byte("3"), 0))

	keys, err := kv.List(ctx, "streams/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"streams/a", "streams/b"}, keys)

	clock.Advance(2 * time.Minute)
	keys, err = kv.List(ctx, "streams/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"streams/a"}, keys)
}

func TestLockerMutualExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	locker := NewLocker(clock)

	lock, err := locker.Acquire(ctx, "stream-1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "stream-1", time.Minute)
	require.ErrorIs(t, err, store.ErrLockHeld)

	_, err = locker.Acquire(ctx, "stream-2", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lock.Release(ctx))
	_, err = locker.Acquire(ctx, "stream-1", time.Minute)
	require.NoError(t, err)
}

func TestLockerTTLRecoversCrashedHolder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	locker := NewLocker(clock)

	_, err := locker.Acquire(ctx, "stream-1", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = locker.Acquire(ctx, "stream-1", time.Minute)
	require.NoError(t, err)
}
