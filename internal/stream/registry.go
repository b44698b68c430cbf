package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/feedsentry/feedsentry/internal/store"
)

const descriptorPrefix = "streams/"

// ErrStreamNotFound reports an unknown stream ID.
var ErrStreamNotFound = errors.New("stream not found")

// registry persists descriptors in the shared store with the descriptor TTL.
// Every write refreshes the TTL, so a live stream never expires out from
// under its runner.
type registry struct {
	kv store.KV
}

func (r *registry) save(ctx context.Context, d Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := r.kv.Put(ctx, descriptorPrefix+d.ID, data, DescriptorTTL); err != nil {
		return fmt.Errorf("persist descriptor %s: %w", d.ID, err)
	}
	return nil
}

func (r *registry) load(ctx context.Context, id string) (Descriptor, error) {
	data, err := r.kv.Get(ctx, descriptorPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
		}
		return Descriptor{}, fmt.Errorf("load descriptor %s: %w", id, err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor %s: %w", id, err)
	}
	return d, nil
}

func (r *registry) list(ctx context.Context) ([]Descriptor, error) {
	keys, err := r.kv.List(ctx, descriptorPrefix)
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	out := make([]Descriptor, 0, len(keys))
	for _, key := range keys {
		d, err := r.load(ctx, strings.TrimPrefix(key, descriptorPrefix))
		if err != nil {
			if errors.Is(err, ErrStreamNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
