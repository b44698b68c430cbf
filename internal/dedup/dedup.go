// Package dedup filters already-seen items using first-seen records in the
// shared store. With the memory provider the filter scopes to the process
// lifetime; with Postgres it survives restarts.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/store"
)

// DefaultTTL is how long a first-seen record is retained.
const DefaultTTL = 7 * 24 * time.Hour

// Deduper records first sightings of item keys, namespaced per stream.
type Deduper struct {
	kv  store.KV
	ttl time.Duration
}

// New builds a Deduper. ttl <= 0 falls back to DefaultTTL.
func New(kv store.KV, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduper{kv: kv, ttl: ttl}
}

// Observe records the key for the stream and reports whether it was new.
// Observing the same key again refreshes its TTL, so an active item does not
// reappear as new when its record would otherwise expire mid-stream.
func (d *Deduper) Observe(ctx context.Context, streamID, key string) (bool, error) {
	storeKey := recordKey(streamID, key)
	_, err := d.kv.Get(ctx, storeKey)
	switch {
	case err == nil:
		if putErr := d.kv.Put(ctx, storeKey, []byte{1}, d.ttl); putErr != nil {
			return false, fmt.Errorf("refresh dedup record: %w", putErr)
		}
		metrics.ObserveDedup("duplicate")
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		if putErr := d.kv.Put(ctx, storeKey, []byte{1}, d.ttl); putErr != nil {
			return false, fmt.Errorf("write dedup record: %w", putErr)
		}
		metrics.ObserveDedup("new")
		return true, nil
	default:
		return false, fmt.Errorf("read dedup record: %w", err)
	}
}

// Seen reports whether the key has been observed without recording it.
func (d *Deduper) Seen(ctx context.Context, streamID, key string) (bool, error) {
	_, err := d.kv.Get(ctx, recordKey(streamID, key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read dedup record: %w", err)
	}
}

// Forget drops every record for the stream. Used when a stream is deleted.
func (d *Deduper) Forget(ctx context.Context, streamID string) error {
	keys, err := d.kv.List(ctx, "dedup/"+streamID+"/")
	if err != nil {
		return fmt.Errorf("list dedup records: %w", err)
	}
	for _, k := range keys {
		if err := d.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("delete dedup record: %w", err)
		}
	}
	return nil
}

func recordKey(streamID, key string) string {
	return "dedup/" + streamID + "/" + key
}
