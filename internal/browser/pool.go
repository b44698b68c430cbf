package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/scrape"
)

// ErrPoolClosed indicates the pool has been shut down.
var ErrPoolClosed = errors.New("browser pool closed")

// Config controls the session pool.
type Config struct {
	// MaxSessions caps concurrently open sessions. Acquire blocks at the cap.
	MaxSessions int `mapstructure:"max_sessions"`
	// MaxIdle caps warm sessions kept for reuse; releases beyond it close.
	MaxIdle int `mapstructure:"max_idle"`
	// LeaseTimeout is how long a leased session may be held before the
	// janitor force-reclaims it.
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	// PageTimeout bounds each navigation and DOM read.
	PageTimeout time.Duration `mapstructure:"page_timeout"`
	// HostQPS is the per-host navigation budget. Zero disables it.
	HostQPS float64 `mapstructure:"host_qps"`
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 3
	}
	if c.MaxIdle < 0 {
		c.MaxIdle = 0
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 1
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
}

// Session is one leased browser handle. It implements scrape.Session and is
// owned exclusively by the caller between Acquire and Release.
type Session struct {
	id       string
	fp       Fingerprint
	proxyURI string
	tab      tab

	// guarded by the pool mutex
	leasedAt time.Time
	done     bool
}

// ID identifies the session for logging and lease bookkeeping.
func (s *Session) ID() string { return s.id }

// Fingerprint returns the identity this session presents to the target.
func (s *Session) Fingerprint() Fingerprint { return s.fp }

// Navigate loads the URL, honoring the page timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.tab.navigate(ctx, url)
}

// Scroll advances the page by one viewport.
func (s *Session) Scroll(ctx context.Context) error {
	return s.tab.scroll(ctx)
}

// Content returns the current serialized DOM.
func (s *Session) Content(ctx context.Context) (string, error) {
	return s.tab.content(ctx)
}

// Pool hands out stealth browser sessions up to a fixed cap.
type Pool struct {
	cfg   Config
	drv   driver
	clock scrape.Clock
	log   *zap.Logger

	sem chan struct{}

	mu     sync.Mutex
	idle   []*Session
	leased map[string]*Session
	closed bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New builds a chromedp-backed pool and starts its lease janitor.
func New(cfg Config, clock scrape.Clock, log *zap.Logger) *Pool {
	cfg.applyDefaults()
	p := newPool(cfg, newChromedpDriver(cfg.PageTimeout, cfg.HostQPS), clock, log)
	p.janitorStop = make(chan struct{})
	p.janitorDone = make(chan struct{})
	go p.janitor()
	return p
}

func newPool(cfg Config, drv driver, clock scrape.Clock, log *zap.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:    cfg,
		drv:    drv,
		clock:  clock,
		log:    log.Named("browser"),
		sem:    make(chan struct{}, cfg.MaxSessions),
		leased: make(map[string]*Session),
	}
}

// Acquire leases a session, blocking while the pool is at capacity. A warm
// idle session with the same proxy binding is reused; otherwise a fresh one
// is launched with a newly rolled fingerprint.
func (p *Pool) Acquire(ctx context.Context, proxyURI string) (*Session, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire session: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, ErrPoolClosed
	}
	if s := p.takeIdle(proxyURI); s != nil {
		s.leasedAt = p.clock.Now()
		s.done = false
		p.leased[s.id] = s
		p.publishOccupancy()
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	tab, err := p.drv.open(ctx, RandomFingerprint(), proxyURI)
	if err != nil {
		<-p.sem
		return nil, fmt.Errorf("launch session: %w", err)
	}

	s := &Session{
		id:       uuid.NewString(),
		proxyURI: proxyURI,
		tab:      tab,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		tab.close()
		<-p.sem
		return nil, ErrPoolClosed
	}
	s.leasedAt = p.clock.Now()
	p.leased[s.id] = s
	p.publishOccupancy()
	p.mu.Unlock()

	p.log.Debug("session leased", zap.String("session_id", s.id), zap.String("proxy", proxyURI))
	return s, nil
}

// takeIdle pops an idle session matching the proxy binding. Caller holds mu.
func (p *Pool) takeIdle(proxyURI string) *Session {
	for i, s := range p.idle {
		if s.proxyURI == proxyURI {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return s
		}
	}
	return nil
}

// Release returns the session to the idle set, or closes it when the idle
// set is full. Releasing a reclaimed or already-released session is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if s.done || p.leased[s.id] != s {
		p.mu.Unlock()
		return
	}
	s.done = true
	delete(p.leased, s.id)

	keep := !p.closed && len(p.idle) < p.cfg.MaxIdle
	if keep {
		p.idle = append(p.idle, s)
	}
	p.publishOccupancy()
	p.mu.Unlock()

	if !keep {
		s.tab.close()
	}
	<-p.sem
}

// Stats reports the current occupancy.
func (p *Pool) Stats() (leased, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased), len(p.idle)
}

// CloseAll shuts the pool down, closing idle and leased sessions alike.
// Subsequent Acquire calls fail with ErrPoolClosed.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	var leased []*Session
	for id, s := range p.leased {
		s.done = true
		leased = append(leased, s)
		delete(p.leased, id)
	}
	p.publishOccupancy()
	p.mu.Unlock()

	for _, s := range idle {
		s.tab.close()
	}
	for _, s := range leased {
		s.tab.close()
		<-p.sem
	}

	if p.janitorStop != nil {
		close(p.janitorStop)
		<-p.janitorDone
	}
	p.log.Info("pool closed", zap.Int("closed_sessions", len(idle)+len(leased)))
}

func (p *Pool) janitor() {
	defer close(p.janitorDone)
	ticker := time.NewTicker(p.cfg.LeaseTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reclaimExpired()
		case <-p.janitorStop:
			return
		}
	}
}

// reclaimExpired force-closes sessions held past the lease timeout. The
// holder's eventual Release becomes a no-op.
func (p *Pool) reclaimExpired() {
	now := p.clock.Now()

	p.mu.Lock()
	var expired []*Session
	for id, s := range p.leased {
		if now.Sub(s.leasedAt) >= p.cfg.LeaseTimeout {
			s.done = true
			delete(p.leased, id)
			expired = append(expired, s)
		}
	}
	p.publishOccupancy()
	p.mu.Unlock()

	for _, s := range expired {
		p.log.Warn("reclaiming leaked session",
			zap.String("session_id", s.id),
			zap.Duration("held_for", now.Sub(s.leasedAt)))
		s.tab.close()
		metrics.ObserveLeaseReclaim()
		<-p.sem
	}
}

// publishOccupancy mirrors occupancy to the gauges. Caller holds mu.
func (p *Pool) publishOccupancy() {
	metrics.SetBrowserOccupancy(len(p.leased), len(p.idle))
}
