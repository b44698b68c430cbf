// Package paginate walks an infinite-scroll page through a leased session,
// deduplicating as it goes and checkpointing durable partial state. Every
// abort path still returns the items collected so far.
package paginate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

// Stop reasons reported in Stats.
const (
	StopMaxItems  = "max-items"
	StopMaxPages  = "max-pages"
	StopStuck     = "stuck"
	StopCancelled = "cancelled"
	StopError     = "error"
)

// Config controls a pagination run.
type Config struct {
	// MaxItems caps collected items. Zero means unbounded.
	MaxItems int `mapstructure:"max_items"`
	// MaxPages caps scroll advances.
	MaxPages int `mapstructure:"max_pages"`
	// ScrollDelayMin/Max bound the randomized pause between advances.
	ScrollDelayMin time.Duration `mapstructure:"scroll_delay_min"`
	ScrollDelayMax time.Duration `mapstructure:"scroll_delay_max"`
	// Retries budgets recovered errors, rate-limit pauses included.
	Retries int `mapstructure:"retries"`
	// StuckThreshold is how many consecutive zero-new advances end the run.
	StuckThreshold int `mapstructure:"stuck_threshold"`
	// CheckpointEvery is the page interval between periodic checkpoints.
	CheckpointEvery int `mapstructure:"checkpoint_every"`
	// KeyField names the item field used as the dedup key.
	KeyField string `mapstructure:"key_field"`
	// KeyFunc overrides KeyField when set.
	KeyFunc func(scrape.RawItem) (string, bool) `mapstructure:"-"`
	// RateLimitMarkers are substrings of page content that signal throttling.
	RateLimitMarkers []string `mapstructure:"rate_limit_markers"`
	// RateLimitPause is how long to back off when a marker is seen.
	RateLimitPause time.Duration `mapstructure:"rate_limit_pause"`
}

func (c *Config) applyDefaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 100
	}
	if c.ScrollDelayMin <= 0 {
		c.ScrollDelayMin = time.Second
	}
	if c.ScrollDelayMax < c.ScrollDelayMin {
		c.ScrollDelayMax = c.ScrollDelayMin + 500*time.Millisecond
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 3
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 5
	}
	if c.KeyField == "" {
		c.KeyField = "id"
	}
	if len(c.RateLimitMarkers) == 0 {
		c.RateLimitMarkers = []string{"rate limit", "too many requests", "unusual traffic"}
	}
	if c.RateLimitPause <= 0 {
		c.RateLimitPause = 60 * time.Second
	}
}

// Stats summarizes a run.
type Stats struct {
	Total             int    `json:"total"`
	DuplicatesRemoved int    `json:"duplicates_removed"`
	PagesScrolled     int    `json:"pages_scrolled"`
	ErrorsRecovered   int    `json:"errors_recovered"`
	StopReason        string `json:"stop_reason"`
}

// Result is what a run produced, partial or complete.
type Result struct {
	Items []scrape.RawItem
	Stats Stats
}

// Engine runs pagination over a leased session.
type Engine struct {
	cfg   Config
	blobs BlobStore
	clock scrape.Clock
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Engine, filling unset config fields with defaults.
func New(cfg Config, blobs BlobStore, clock scrape.Clock, log *zap.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:   cfg,
		blobs: blobs,
		clock: clock,
		log:   log.Named("paginate"),
		sleep: sleepCtx,
	}
}

type runState struct {
	runID     string
	items     []scrape.RawItem
	seen      map[string]struct{}
	stats     Stats
	stuckRuns int
}

func (st *runState) seenKeys() []string {
	keys := make([]string, 0, len(st.seen))
	for k := range st.seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Run collects items from the session until a stop condition fires. The
// returned Result holds whatever was collected even when err is non-nil.
func (e *Engine) Run(ctx context.Context, runID string, session scrape.Session, ex scrape.Extractor) (Result, error) {
	st := &runState{
		runID: runID,
		seen:  make(map[string]struct{}),
	}
	return e.run(ctx, st, session, ex)
}

// Resume reloads the run's checkpoint and continues where it left off.
// Previously seen keys are never re-emitted.
func (e *Engine) Resume(ctx context.Context, runID string, session scrape.Session, ex scrape.Extractor) (Result, error) {
	cp, err := e.loadCheckpoint(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	st := &runState{
		runID: runID,
		items: cp.Items,
		seen:  make(map[string]struct{}, len(cp.SeenKeys)),
		stats: cp.Stats,
	}
	for _, k := range cp.SeenKeys {
		st.seen[k] = struct{}{}
	}
	st.stats.StopReason = ""
	e.log.Info("resuming run",
		zap.String("run_id", runID),
		zap.Int("items", len(st.items)),
		zap.Int("pages", st.stats.PagesScrolled))
	return e.run(ctx, st, session, ex)
}

func (e *Engine) run(ctx context.Context, st *runState, session scrape.Session, ex scrape.Extractor) (Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.finish(st, StopCancelled, err)
		}

		batch, err := ex.Extract(ctx, session)
		if err != nil {
			if recErr := e.recover(ctx, st, err); recErr != nil {
				return e.finish(st, StopError, recErr)
			}
			continue
		}

		if marked, markErr := e.rateLimited(ctx, session); markErr == nil && marked {
			if recErr := e.recover(ctx, st, &scrape.Error{
				Kind: scrape.KindRateLimited,
				Op:   "paginate.extract",
				Err:  scrape.ErrRateLimited,
			}); recErr != nil {
				return e.finish(st, StopError, recErr)
			}
			continue
		}

		fresh := e.absorb(st, batch)

		if e.cfg.MaxItems > 0 && st.stats.Total >= e.cfg.MaxItems {
			st.items = st.items[:e.cfg.MaxItems]
			st.stats.Total = e.cfg.MaxItems
			return e.finish(st, StopMaxItems, nil)
		}

		if fresh == 0 {
			st.stuckRuns++
			if st.stuckRuns >= e.cfg.StuckThreshold {
				return e.finish(st, StopStuck, nil)
			}
		} else {
			st.stuckRuns = 0
		}

		if st.stats.PagesScrolled >= e.cfg.MaxPages {
			return e.finish(st, StopMaxPages, nil)
		}

		if err := session.Scroll(ctx); err != nil {
			if recErr := e.recover(ctx, st, err); recErr != nil {
				return e.finish(st, StopError, recErr)
			}
			continue
		}
		st.stats.PagesScrolled++

		if st.stats.PagesScrolled%e.cfg.CheckpointEvery == 0 {
			if err := e.saveCheckpoint(ctx, st); err != nil {
				e.log.Warn("periodic checkpoint failed", zap.String("run_id", st.runID), zap.Error(err))
			}
		}

		if err := e.sleep(ctx, e.scrollDelay()); err != nil {
			return e.finish(st, StopCancelled, err)
		}
	}
}

// recover spends one unit of the error budget on a transient failure, or
// returns the terminal error when the failure is fatal or the budget is gone.
func (e *Engine) recover(ctx context.Context, st *runState, cause error) error {
	kind := scrape.Classify(cause)
	if !kind.Retryable() {
		return cause
	}
	if st.stats.ErrorsRecovered >= e.cfg.Retries {
		return fmt.Errorf("error budget exhausted: %w", cause)
	}
	st.stats.ErrorsRecovered++

	pause := e.scrollDelay()
	if kind == scrape.KindRateLimited {
		pause = e.cfg.RateLimitPause
	}
	e.log.Warn("recovering from transient failure",
		zap.String("run_id", st.runID),
		zap.String("kind", string(kind)),
		zap.Duration("pause", pause),
		zap.Error(cause))
	if err := e.sleep(ctx, pause); err != nil {
		return err
	}
	return nil
}

// rateLimited checks the current page content for throttle markers.
func (e *Engine) rateLimited(ctx context.Context, session scrape.Session) (bool, error) {
	content, err := session.Content(ctx)
	if err != nil {
		return false, err
	}
	lowered := strings.ToLower(content)
	for _, marker := range e.cfg.RateLimitMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return true, nil
		}
	}
	return false, nil
}

// absorb folds the batch into the run state and returns how many items were
// genuinely new.
func (e *Engine) absorb(st *runState, batch []scrape.RawItem) int {
	fresh := 0
	for _, item := range batch {
		key, ok := e.itemKey(item)
		if ok {
			if _, dup := st.seen[key]; dup {
				st.stats.DuplicatesRemoved++
				continue
			}
			st.seen[key] = struct{}{}
		}
		st.items = append(st.items, item)
		st.stats.Total++
		fresh++
	}
	return fresh
}

func (e *Engine) itemKey(item scrape.RawItem) (string, bool) {
	if e.cfg.KeyFunc != nil {
		return e.cfg.KeyFunc(item)
	}
	v, ok := item[e.cfg.KeyField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// finish writes the final checkpoint and returns the (possibly partial)
// result. The checkpoint uses a background-derived context so cancellation
// does not lose collected state.
func (e *Engine) finish(st *runState, reason string, cause error) (Result, error) {
	st.stats.StopReason = reason

	cpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.saveCheckpoint(cpCtx, st); err != nil {
		e.log.Error("final checkpoint failed", zap.String("run_id", st.runID), zap.Error(err))
	}

	e.log.Info("run finished",
		zap.String("run_id", st.runID),
		zap.String("stop_reason", reason),
		zap.Int("total", st.stats.Total),
		zap.Int("duplicates_removed", st.stats.DuplicatesRemoved),
		zap.Int("pages_scrolled", st.stats.PagesScrolled),
		zap.Int("errors_recovered", st.stats.ErrorsRecovered))

	return Result{Items: st.items, Stats: st.stats}, cause
}

func (e *Engine) scrollDelay() time.Duration {
	span := e.cfg.ScrollDelayMax - e.cfg.ScrollDelayMin
	if span <= 0 {
		return e.cfg.ScrollDelayMin
	}
	return e.cfg.ScrollDelayMin + time.Duration(rand.Int64N(int64(span)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
