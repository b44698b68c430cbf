// Package proxy tracks a pool of egress routes, rotating healthy ones and
// blacklisting routes that fail repeatedly.
package proxy

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

// Proxy is one registered egress route. Health counters are owned by the
// Pool; callers treat the struct as read-only outside Mark* calls.
type Proxy struct {
	URI      string
	Protocol string

	Successes           int
	Failures            int
	ConsecutiveFailures int
	AvgResponseTime     time.Duration
	BlacklistedUntil    time.Time
}

// Config controls pool behavior.
type Config struct {
	// BlacklistThreshold is the consecutive-failure count that triggers a
	// blacklist (default 3).
	BlacklistThreshold int
	// BlacklistFor is how long a blacklisted proxy stays out of rotation
	// (default 10 minutes).
	BlacklistFor time.Duration
	// ProbeURL is the liveness endpoint used by TestAll.
	ProbeURL string
	// ProbeTimeout bounds each liveness probe (default 10s).
	ProbeTimeout time.Duration
}

const (
	defaultBlacklistThreshold = 3
	defaultBlacklistFor       = 10 * time.Minute
	defaultProbeTimeout       = 10 * time.Second
)

// Pool rotates registered proxies, skipping blacklisted ones. Safe for
// concurrent use.
type Pool struct {
	cfg    Config
	clock  scrape.Clock
	logger *zap.Logger

	mu      sync.Mutex
	proxies []*Proxy
	next    int
}

// NewPool builds an empty pool.
func NewPool(cfg Config, clock scrape.Clock, logger *zap.Logger) *Pool {
	if cfg.BlacklistThreshold <= 0 {
		cfg.BlacklistThreshold = defaultBlacklistThreshold
	}
	if cfg.BlacklistFor <= 0 {
		cfg.BlacklistFor = defaultBlacklistFor
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Register parses and adds a proxy URI to the rotation.
func (p *Pool) Register(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parse proxy uri: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("proxy uri %q must include scheme and host", uri)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies = append(p.proxies, &Proxy{
		URI:      uri,
		Protocol: parsed.Scheme,
	})
	p.logger.Debug("proxy registered", zap.String("uri", parsed.Redacted()))
	return nil
}

// Size returns the number of registered proxies.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Next returns the next proxy in round-robin order, skipping blacklisted
// entries. Returns scrape.ErrProxyPoolExhausted when none are usable.
func (p *Pool) Next() (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil, scrape.ErrProxyPoolExhausted
	}
	now := p.clock.Now()
	for i := 0; i < len(p.proxies); i++ {
		candidate := p.proxies[p.next%len(p.proxies)]
		p.next = (p.next + 1) % len(p.proxies)
		if p.usable(candidate, now) {
			return candidate, nil
		}
	}
	return nil, scrape.ErrProxyPoolExhausted
}

// Random returns a uniformly chosen non-blacklisted proxy, or
// scrape.ErrProxyPoolExhausted when none are usable.
func (p *Pool) Random() (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	usable := make([]*Proxy, 0, len(p.proxies))
	for _, candidate := range p.proxies {
		if p.usable(candidate, now) {
			usable = append(usable, candidate)
		}
	}
	if len(usable) == 0 {
		return nil, scrape.ErrProxyPoolExhausted
	}
	return usable[rand.IntN(len(usable))], nil
}

// usable reports whether the proxy is in rotation, clearing an elapsed
// blacklist so the consecutive-failure invariant holds. Caller holds p.mu.
func (p *Pool) usable(pr *Proxy, now time.Time) bool {
	if pr.BlacklistedUntil.IsZero() {
		return true
	}
	if now.Before(pr.BlacklistedUntil) {
		return false
	}
	pr.BlacklistedUntil = time.Time{}
	pr.ConsecutiveFailures = 0
	return true
}

// MarkSuccess records a successful use, resetting consecutive failures and
// folding rtt into the running-average response time.
func (p *Pool) MarkSuccess(pr *Proxy, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr.Successes++
	pr.ConsecutiveFailures = 0
	if pr.AvgResponseTime == 0 {
		pr.AvgResponseTime = rtt
	} else {
		// Running average over all successes.
		n := time.Duration(pr.Successes)
		pr.AvgResponseTime = (pr.AvgResponseTime*(n-1) + rtt) / n
	}
}

// MarkFailed records a failed use. Reaching the threshold blacklists the
// proxy for the configured window.
func (p *Pool) MarkFailed(pr *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr.Failures++
	pr.ConsecutiveFailures++
	if pr.ConsecutiveFailures >= p.cfg.BlacklistThreshold {
		pr.BlacklistedUntil = p.clock.Now().Add(p.cfg.BlacklistFor)
		p.logger.Warn("proxy blacklisted",
			zap.String("uri", pr.URI),
			zap.Int("consecutive_failures", pr.ConsecutiveFailures),
			zap.Time("until", pr.BlacklistedUntil),
		)
	}
}

// ProxyStats is a point-in-time snapshot of one proxy's health.
type ProxyStats struct {
	URI                 string        `json:"uri"`
	Protocol            string        `json:"protocol"`
	Successes           int           `json:"successes"`
	Failures            int           `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	Blacklisted         bool          `json:"blacklisted"`
}

// Stats snapshots the health of every registered proxy.
func (p *Pool) Stats() []ProxyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	out := make([]ProxyStats, 0, len(p.proxies))
	for _, pr := range p.proxies {
		out = append(out, ProxyStats{
			URI:                 pr.URI,
			Protocol:            pr.Protocol,
			Successes:           pr.Successes,
			Failures:            pr.Failures,
			ConsecutiveFailures: pr.ConsecutiveFailures,
			AvgResponseTime:     pr.AvgResponseTime,
			Blacklisted:         !pr.BlacklistedUntil.IsZero() && now.Before(pr.BlacklistedUntil),
		})
	}
	return out
}
