package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/events"
	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/proxy"
	"github.com/feedsentry/feedsentry/internal/scrape"
	"github.com/feedsentry/feedsentry/internal/store"
)

// Tick runs one poll cycle for the stream. The return value tells the
// scheduler whether to keep ticking: false means the stream reached a
// terminal state or vanished.
func (o *Orchestrator) Tick(ctx context.Context, id string) bool {
	lock, err := o.locker.Acquire(ctx, "stream:"+id, o.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			// Another instance owns this tick.
			o.log.Debug("tick skipped, lock held elsewhere", zap.String("stream_id", id))
			return true
		}
		o.log.Warn("tick lock failed", zap.String("stream_id", id), zap.Error(err))
		return true
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			o.log.Warn("tick lock release failed", zap.String("stream_id", id), zap.Error(err))
		}
	}()

	d, err := o.reg.load(ctx, id)
	if err != nil {
		o.log.Warn("tick descriptor load failed", zap.String("stream_id", id), zap.Error(err))
		return !errors.Is(err, ErrStreamNotFound)
	}
	if d.Status != StatusActive {
		return !d.Status.Terminal()
	}

	started := o.clock.Now()
	fresh, err := o.poll(ctx, &d)
	if err != nil {
		metrics.ObservePoll(string(d.Type), "error", o.clock.Now().Sub(started))
		return o.recordFailure(ctx, d, err)
	}

	metrics.ObservePoll(string(d.Type), "ok", o.clock.Now().Sub(started))
	metrics.ObserveItemsEmitted(string(d.Type), fresh)

	d.ConsecutiveErrors = 0
	d.LastPollAt = o.clock.Now()
	if err := o.reg.save(ctx, d); err != nil {
		o.log.Warn("tick descriptor save failed", zap.String("stream_id", id), zap.Error(err))
	}
	return true
}

// poll leases a session, invokes the type poller under the retry policy, and
// emits one item.new event per genuinely new item. The session is released
// on every path.
func (o *Orchestrator) poll(ctx context.Context, d *Descriptor) (int, error) {
	poller, ok := o.pollers[d.Type]
	if !ok {
		return 0, fmt.Errorf("%w for type %q", errUnregisteredType, d.Type)
	}

	proxyURI, pr, err := o.pickProxy(d)
	if err != nil {
		return 0, err
	}

	session, err := o.sessions.Acquire(ctx, proxyURI)
	if err != nil {
		if pr != nil {
			o.proxies.MarkFailed(pr)
		}
		return 0, fmt.Errorf("acquire session: %w", err)
	}
	defer o.sessions.Release(session)

	var items []scrape.Item
	pollStart := o.clock.Now()
	err = o.exec.Do(ctx, "stream.poll", func(ctx context.Context) error {
		pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
		defer cancel()
		var pollErr error
		items, pollErr = poller.Poll(pollCtx, d.Target, session)
		return pollErr
	})
	if err != nil {
		if pr != nil {
			o.proxies.MarkFailed(pr)
		}
		return 0, err
	}
	if pr != nil {
		o.proxies.MarkSuccess(pr, o.clock.Now().Sub(pollStart))
	}

	fresh := 0
	for _, item := range items {
		isNew, err := o.deduper.Observe(ctx, d.ID, item.ID)
		if err != nil {
			return fresh, fmt.Errorf("dedup observe: %w", err)
		}
		if !isNew {
			continue
		}
		fresh++
		o.remember(d.ID, item)
		o.emit(*d, events.KindItemNew, &item, "")
	}
	return fresh, nil
}

// pickProxy resolves the egress route for this tick.
func (o *Orchestrator) pickProxy(d *Descriptor) (string, *proxy.Proxy, error) {
	if !d.UseProxy || o.proxies == nil {
		return "", nil, nil
	}
	pr, err := o.proxies.Next()
	if err != nil {
		if errors.Is(err, scrape.ErrProxyPoolExhausted) && o.cfg.AllowDirectFallback {
			o.log.Warn("proxy pool exhausted, falling back to direct connection",
				zap.String("stream_id", d.ID))
			return "", nil, nil
		}
		return "", nil, err
	}
	return pr.URI, pr, nil
}

// recordFailure bumps the error counter, emitting stream.error and, at the
// threshold, flipping the stream to error-stopped with a terminal
// stream.auto_stopped event. Returns whether the scheduler should continue.
func (o *Orchestrator) recordFailure(ctx context.Context, d Descriptor, cause error) bool {
	d.ConsecutiveErrors++
	o.emit(d, events.KindStreamError, nil, cause.Error())
	o.log.Warn("poll failed",
		zap.String("stream_id", d.ID),
		zap.Int("consecutive_errors", d.ConsecutiveErrors),
		zap.Int("threshold", d.ErrorThreshold),
		zap.Error(cause))

	if d.ConsecutiveErrors >= d.ErrorThreshold {
		if err := d.transition(StatusErrorStopped); err != nil {
			o.log.Error("auto-stop transition failed", zap.String("stream_id", d.ID), zap.Error(err))
		}
		if err := o.reg.save(ctx, d); err != nil {
			o.log.Error("auto-stop save failed", zap.String("stream_id", d.ID), zap.Error(err))
		}
		o.emit(d, events.KindStreamAutoStopped, nil,
			fmt.Sprintf("stopped after %d consecutive errors", d.ConsecutiveErrors))
		o.log.Error("stream auto-stopped",
			zap.String("stream_id", d.ID),
			zap.Int("consecutive_errors", d.ConsecutiveErrors))
		o.forget(d.ID)
		return false
	}

	if err := o.reg.save(ctx, d); err != nil {
		o.log.Warn("failure save failed", zap.String("stream_id", d.ID), zap.Error(err))
	}
	return true
}

// remember appends to the stream's bounded history, evicting oldest first.
func (o *Orchestrator) remember(id string, item scrape.Item) {
	o.mu.Lock()
	defer o.mu.Unlock()
	limit := o.caps[id]
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	h := append(o.history[id], item)
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	o.history[id] = h
}

// forget drops the runner bookkeeping for an auto-stopped stream. The runner
// goroutine exits on its own via Tick's return value.
func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.runners, id)
	o.mu.Unlock()
}
