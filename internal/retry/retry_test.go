package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

func newFastExecutor(t *testing.T, cfg Config) (*Executor, *[]time.Duration) {
	t.Helper()
	e := New(cfg, zap.NewNop())
	var delays []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, &delays
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	e, delays := newFastExecutor(t, Config{MaxRetries: 3})
	calls := 0
	err := e.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("page: %w", scrape.ErrRateLimited)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, *delays, 2)
}

func TestDoNonRetryablePropagatesImmediately(t *testing.T) {
	t.Parallel()

	e, delays := newFastExecutor(t, Config{MaxRetries: 3})
	cause := errors.New("selector missing")
	calls := 0
	err := e.Do(context.Background(), "extract", func(context.Context) error {
		calls++
		return cause
	})
	require.ErrorIs(t, err, cause)
	require.Equal(t, 1, calls)
	require.Empty(t, *delays)
}

func TestDoExhaustionWrapsAttemptsAndKind(t *testing.T) {
	t.Parallel()

	e, _ := newFastExecutor(t, Config{MaxRetries: 2})
	err := e.Do(context.Background(), "poll", func(context.Context) error {
		return scrape.ErrEmptyResult
	})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, scrape.KindEmpty, exhausted.LastKind)
	require.ErrorIs(t, err, scrape.ErrEmptyResult)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	e := New(Config{MaxRetries: 5, BaseDelay: time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, "poll", func(context.Context) error {
		calls++
		cancel()
		return scrape.ErrRateLimited
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoRespectsConfiguredRetryableKinds(t *testing.T) {
	t.Parallel()

	e, _ := newFastExecutor(t, Config{
		MaxRetries:     3,
		RetryableKinds: []scrape.Kind{scrape.KindTimeout},
	})
	calls := 0
	err := e.Do(context.Background(), "poll", func(context.Context) error {
		calls++
		return scrape.ErrRateLimited
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	e := New(Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2,
	}, zap.NewNop())

	// Backoff is half the capped delay plus jitter in [0, half).
	for attempt, capped := range map[int]time.Duration{
		0: 2 * time.Second,
		1: 4 * time.Second,
		2: 8 * time.Second,
		5: 10 * time.Second,
	} {
		d := e.Backoff(attempt)
		require.GreaterOrEqual(t, d, capped/2, "attempt %d", attempt)
		require.Less(t, d, capped, "attempt %d", attempt)
	}
}
