package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/dedup"
	"github.com/feedsentry/feedsentry/internal/events"
	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/proxy"
	"github.com/feedsentry/feedsentry/internal/retry"
	"github.com/feedsentry/feedsentry/internal/scrape"
	"github.com/feedsentry/feedsentry/internal/store"
)

// SessionPool leases browser sessions. *browser.Pool satisfies it through
// the PoolAdapter.
type SessionPool interface {
	Acquire(ctx context.Context, proxyURI string) (scrape.Session, error)
	Release(s scrape.Session)
}

// ProxySource selects and scores egress routes. *proxy.Pool satisfies it.
type ProxySource interface {
	Next() (*proxy.Proxy, error)
	MarkSuccess(p *proxy.Proxy, rtt time.Duration)
	MarkFailed(p *proxy.Proxy)
}

// Config controls the orchestrator.
type Config struct {
	// LockTTL is the lease on the per-stream tick lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// PollTimeout bounds a single poll invocation.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	// AllowDirectFallback lets a tick run unproxied when every proxy is
	// blacklisted. Off by default: exhaustion is a hard failure.
	AllowDirectFallback bool `mapstructure:"allow_direct_fallback"`
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 45 * time.Second
	}
}

// StopSummary is the outcome of StopAll.
type StopSummary struct {
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// runner is the scheduling goroutine of one active stream.
type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns stream lifecycles: creation, scheduling, polling,
// dedup filtering, event emission, and error-driven auto-stop.
type Orchestrator struct {
	cfg      Config
	reg      *registry
	locker   store.Locker
	sessions SessionPool
	proxies  ProxySource
	pollers  map[scrape.StreamType]scrape.Poller
	deduper  *dedup.Deduper
	exec     *retry.Executor
	emitter  events.Emitter
	clock    scrape.Clock
	idgen    scrape.IDGenerator
	log      *zap.Logger

	mu      sync.Mutex
	runners map[string]*runner
	history map[string][]scrape.Item
	caps    map[string]int
}

// New wires an Orchestrator. proxies may be nil when no proxy pool is
// configured; sessions, kv, locker, deduper, exec, emitter, clock and idgen
// are required.
func New(
	cfg Config,
	kv store.KV,
	locker store.Locker,
	sessions SessionPool,
	proxies ProxySource,
	deduper *dedup.Deduper,
	exec *retry.Executor,
	emitter events.Emitter,
	clock scrape.Clock,
	idgen scrape.IDGenerator,
	log *zap.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		reg:      &registry{kv: kv},
		locker:   locker,
		sessions: sessions,
		proxies:  proxies,
		pollers:  make(map[scrape.StreamType]scrape.Poller),
		deduper:  deduper,
		exec:     exec,
		emitter:  emitter,
		clock:    clock,
		idgen:    idgen,
		log:      log.Named("stream"),
		runners:  make(map[string]*runner),
		history:  make(map[string][]scrape.Item),
		caps:     make(map[string]int),
	}
}

// RegisterPoller binds the poll function for a stream type. Streams of an
// unregistered type fail their ticks.
func (o *Orchestrator) RegisterPoller(t scrape.StreamType, p scrape.Poller) {
	o.pollers[t] = p
}

// CreateStream validates the input and persists a pending descriptor.
func (o *Orchestrator) CreateStream(ctx context.Context, in CreateInput) (Descriptor, error) {
	if err := in.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("create stream: %w", err)
	}
	if _, ok := o.pollers[in.Type]; !ok {
		return Descriptor{}, fmt.Errorf("create stream: no poller registered for type %q", in.Type)
	}
	id, err := o.idgen.NewID()
	if err != nil {
		return Descriptor{}, fmt.Errorf("create stream: %w", err)
	}
	d := Descriptor{
		ID:             id,
		Type:           in.Type,
		Target:         in.Target,
		Interval:       in.Interval,
		Status:         StatusPending,
		CreatedAt:      o.clock.Now(),
		HistoryCap:     in.HistoryCap,
		ErrorThreshold: in.ErrorThreshold,
		UseProxy:       in.UseProxy,
	}
	if err := o.reg.save(ctx, d); err != nil {
		return Descriptor{}, err
	}
	o.mu.Lock()
	o.caps[id] = d.HistoryCap
	o.mu.Unlock()

	o.emit(d, events.KindStreamCreated, nil, "")
	o.log.Info("stream created",
		zap.String("stream_id", id),
		zap.String("type", string(d.Type)),
		zap.String("target", d.Target),
		zap.Duration("interval", d.Interval))
	return d, nil
}

// Start moves a pending stream to active and begins scheduling ticks.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	d, err := o.setStatus(ctx, id, StatusActive)
	if err != nil {
		return fmt.Errorf("start stream %s: %w", id, err)
	}
	o.launch(d)
	o.emit(d, events.KindStreamStarted, nil, "")
	return nil
}

// Pause suspends scheduling. Dedup state and history are preserved.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	d, err := o.setStatus(ctx, id, StatusPaused)
	if err != nil {
		return fmt.Errorf("pause stream %s: %w", id, err)
	}
	o.halt(id)
	o.emit(d, events.KindStreamPaused, nil, "")
	return nil
}

// Resume reactivates a paused stream.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	d, err := o.reg.load(ctx, id)
	if err != nil {
		return fmt.Errorf("resume stream %s: %w", id, err)
	}
	if d.Status != StatusPaused {
		return fmt.Errorf("resume stream %s: %w: %s -> %s", id, ErrInvalidTransition, d.Status, StatusActive)
	}
	d, err = o.setStatus(ctx, id, StatusActive)
	if err != nil {
		return fmt.Errorf("resume stream %s: %w", id, err)
	}
	o.launch(d)
	o.emit(d, events.KindStreamResumed, nil, "")
	return nil
}

// Stop terminally stops the stream and cancels its scheduling.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	d, err := o.setStatus(ctx, id, StatusStopped)
	if err != nil {
		return fmt.Errorf("stop stream %s: %w", id, err)
	}
	o.halt(id)
	o.emit(d, events.KindStreamStopped, nil, "")
	o.log.Info("stream stopped", zap.String("stream_id", id))
	return nil
}

// StopAll stops every non-terminal stream and reports the tally.
func (o *Orchestrator) StopAll(ctx context.Context) (StopSummary, error) {
	descs, err := o.reg.list(ctx)
	if err != nil {
		return StopSummary{}, fmt.Errorf("stop all: %w", err)
	}
	var sum StopSummary
	for _, d := range descs {
		if d.Status.Terminal() {
			continue
		}
		sum.Total++
		if err := o.Stop(ctx, d.ID); err != nil {
			sum.Failed++
			o.log.Warn("stop failed", zap.String("stream_id", d.ID), zap.Error(err))
			continue
		}
		sum.Stopped++
	}
	return sum, nil
}

// Restore re-derives scheduling from persisted descriptors: active streams
// get runners again, everything else keeps its persisted status.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	descs, err := o.reg.list(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	restored := 0
	for _, d := range descs {
		o.mu.Lock()
		o.caps[d.ID] = d.HistoryCap
		o.mu.Unlock()
		if d.Status != StatusActive {
			continue
		}
		o.launch(d)
		restored++
		o.log.Info("stream restored",
			zap.String("stream_id", d.ID),
			zap.String("type", string(d.Type)))
	}
	o.refreshGauges(descs)
	return restored, nil
}

// Get returns the persisted descriptor.
func (o *Orchestrator) Get(ctx context.Context, id string) (Descriptor, error) {
	return o.reg.load(ctx, id)
}

// List returns every persisted descriptor.
func (o *Orchestrator) List(ctx context.Context) ([]Descriptor, error) {
	return o.reg.list(ctx)
}

// History returns the bounded recent-item history for the stream, newest
// last.
func (o *Orchestrator) History(id string) []scrape.Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]scrape.Item(nil), o.history[id]...)
}

// setStatus loads, transitions, and persists the descriptor.
func (o *Orchestrator) setStatus(ctx context.Context, id string, to Status) (Descriptor, error) {
	d, err := o.reg.load(ctx, id)
	if err != nil {
		return Descriptor{}, err
	}
	if err := d.transition(to); err != nil {
		return Descriptor{}, err
	}
	if err := o.reg.save(ctx, d); err != nil {
		return Descriptor{}, err
	}
	if descs, listErr := o.reg.list(ctx); listErr == nil {
		o.refreshGauges(descs)
	}
	return d, nil
}

// launch starts the scheduling goroutine unless one is already running.
func (o *Orchestrator) launch(d Descriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.runners[d.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}
	o.runners[d.ID] = r
	go o.run(ctx, d, r)
}

// halt cancels the stream's runner and waits for it to exit.
func (o *Orchestrator) halt(id string) {
	o.mu.Lock()
	r, ok := o.runners[id]
	if ok {
		delete(o.runners, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

func (o *Orchestrator) run(ctx context.Context, d Descriptor, r *runner) {
	defer close(r.done)
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !o.Tick(ctx, d.ID) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops scheduling goroutines without changing persisted statuses,
// so a later Restore resumes the same streams.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	runners := o.runners
	o.runners = make(map[string]*runner)
	o.mu.Unlock()
	for _, r := range runners {
		r.cancel()
	}
	for _, r := range runners {
		<-r.done
	}
}

func (o *Orchestrator) emit(d Descriptor, kind events.Kind, item *scrape.Item, note string) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(events.Event{
		StreamID:   d.ID,
		StreamType: d.Type,
		Kind:       kind,
		TS:         o.clock.Now(),
		Item:       item,
		Note:       note,
	})
}

func (o *Orchestrator) refreshGauges(descs []Descriptor) {
	counts := map[Status]int{
		StatusPending: 0, StatusActive: 0, StatusPaused: 0,
		StatusStopped: 0, StatusErrorStopped: 0,
	}
	for _, d := range descs {
		counts[d.Status]++
	}
	for status, n := range counts {
		metrics.SetStreams(string(status), n)
	}
}

// errUnregisteredType marks a tick against a type with no poller.
var errUnregisteredType = errors.New("no poller registered")
