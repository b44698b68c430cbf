package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeResult is the outcome of one liveness probe.
type ProbeResult struct {
	URI     string        `json:"uri"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// TestAll probes every registered proxy against the configured liveness
// endpoint concurrently and records the outcome in the health counters.
func (p *Pool) TestAll(ctx context.Context) ([]ProbeResult, error) {
	if p.cfg.ProbeURL == "" {
		return nil, fmt.Errorf("probe url not configured")
	}
	p.mu.Lock()
	targets := make([]*Proxy, len(p.proxies))
	copy(targets, p.proxies)
	p.mu.Unlock()

	results := make([]ProbeResult, len(targets))
	var wg sync.WaitGroup
	for i, pr := range targets {
		wg.Add(1)
		go func(i int, pr *Proxy) {
			defer wg.Done()
			results[i] = p.probe(ctx, pr)
		}(i, pr)
	}
	wg.Wait()
	return results, nil
}

func (p *Pool) probe(ctx context.Context, pr *Proxy) ProbeResult {
	proxyURL, err := url.Parse(pr.URI)
	if err != nil {
		return ProbeResult{URI: pr.URI, Error: err.Error()}
	}
	client := &http.Client{
		Timeout: p.cfg.ProbeTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.ProbeURL, nil)
	if err != nil {
		return ProbeResult{URI: pr.URI, Error: err.Error()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.MarkFailed(pr)
		return ProbeResult{URI: pr.URI, Latency: latency, Error: err.Error()}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Debug("probe body close failed", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode >= 400 {
		p.MarkFailed(pr)
		return ProbeResult{
			URI:     pr.URI,
			Latency: latency,
			Error:   fmt.Sprintf("probe status %d", resp.StatusCode),
		}
	}
	p.MarkSuccess(pr, latency)
	return ProbeResult{URI: pr.URI, OK: true, Latency: latency}
}
