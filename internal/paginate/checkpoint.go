package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/scrape"
)

// BlobStore persists checkpoint blobs. Implementations must make Put atomic:
// a concurrent Get sees either the previous blob or the new one, never a
// partial write.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// Checkpoint is the durable state of a run. A resumed run picks up from here
// without re-emitting already-seen keys.
type Checkpoint struct {
	RunID     string           `json:"run_id"`
	Timestamp time.Time        `json:"timestamp"`
	Items     []scrape.RawItem `json:"items"`
	SeenKeys  []string         `json:"seen_keys"`
	Cursor    int              `json:"cursor"`
	Stats     Stats            `json:"stats"`
}

func checkpointName(runID string) string {
	return runID + ".json"
}

func (e *Engine) saveCheckpoint(ctx context.Context, st *runState) error {
	cp := Checkpoint{
		RunID:     st.runID,
		Timestamp: e.clock.Now(),
		Items:     st.items,
		SeenKeys:  st.seenKeys(),
		Cursor:    st.stats.PagesScrolled,
		Stats:     st.stats,
	}
	data, err := json.Marshal(cp)
	if err != nil {
		metrics.ObserveCheckpoint("error")
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := e.blobs.Put(ctx, checkpointName(st.runID), data); err != nil {
		metrics.ObserveCheckpoint("error")
		return fmt.Errorf("write checkpoint: %w", err)
	}
	metrics.ObserveCheckpoint("ok")
	return nil
}

func (e *Engine) loadCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	data, err := e.blobs.Get(ctx, checkpointName(runID))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", scrape.ErrCheckpointCorrupt, err)
	}
	if cp.RunID == "" || cp.RunID != runID || cp.Timestamp.IsZero() || cp.Cursor < 0 {
		return Checkpoint{}, fmt.Errorf("%w: inconsistent fields for run %q", scrape.ErrCheckpointCorrupt, runID)
	}
	if cp.Stats.Total != len(cp.Items) {
		return Checkpoint{}, fmt.Errorf("%w: stats disagree with item count", scrape.ErrCheckpointCorrupt)
	}
	return cp, nil
}
