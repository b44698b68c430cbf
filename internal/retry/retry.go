// Package retry implements bounded exponential backoff over classified
// failures. Transient kinds are retried; everything else propagates
// immediately.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/scrape"
)

// Config controls Executor behavior.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	RetryableKinds []scrape.Kind
}

// Defaults applied by New for zero-valued fields.
const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Second
	defaultMaxDelay   = 60 * time.Second
	defaultMultiplier = 2.0
)

// ExhaustedError wraps the final failure after all retries are spent.
type ExhaustedError struct {
	Op       string
	Attempts int
	LastKind scrape.Kind
	Err      error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts (last: %s): %v",
		e.Op, e.Attempts, e.LastKind, e.Err)
}

// Unwrap exposes the final attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor runs operations under the configured retry policy. Safe for
// concurrent use.
type Executor struct {
	cfg       Config
	retryable map[scrape.Kind]bool
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New builds an Executor, filling unset config fields with defaults.
func New(cfg Config, logger *zap.Logger) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultMultiplier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retryable := make(map[scrape.Kind]bool)
	if len(cfg.RetryableKinds) == 0 {
		for _, k := range []scrape.Kind{scrape.KindTimeout, scrape.KindNetwork, scrape.KindRateLimited, scrape.KindEmpty} {
			retryable[k] = true
		}
	} else {
		for _, k := range cfg.RetryableKinds {
			retryable[k] = true
		}
	}
	return &Executor{
		cfg:       cfg,
		retryable: retryable,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Do runs fn, retrying transient failures up to MaxRetries. Non-retryable
// failures propagate immediately; exhaustion returns an ExhaustedError
// carrying the attempt count and last classification.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	var lastKind scrape.Kind
	attempts := 0
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		attempts++
		lastErr = err
		lastKind = scrape.Classify(err)
		if !e.retryable[lastKind] {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt == e.cfg.MaxRetries {
			break
		}
		delay := e.Backoff(attempt)
		metrics.ObserveRetry(string(lastKind))
		e.logger.Debug("retrying after transient failure",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(lastKind)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return &ExhaustedError{Op: op, Attempts: attempts, LastKind: lastKind, Err: lastErr}
}

// Backoff returns the jittered wait before the attempt'th retry:
// min(maxDelay, baseDelay * multiplier^attempt) plus up to 50% jitter.
func (e *Executor) Backoff(attempt int) time.Duration {
	delay := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.Multiplier, float64(attempt))
	if delay > float64(e.cfg.MaxDelay) {
		delay = float64(e.cfg.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
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
