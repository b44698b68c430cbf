// Package collyextract implements a Poller for targets that render without
// JavaScript, using a plain gocolly collector instead of a browser session.
package collyextract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

// Config controls the collector and the item mapping.
type Config struct {
	// UserAgent presented on each request.
	UserAgent string `mapstructure:"user_agent"`
	// Timeout bounds the whole fetch (default 15s).
	Timeout time.Duration `mapstructure:"timeout"`
	// ItemSelector matches one element per item, e.g. "article.post".
	ItemSelector string `mapstructure:"item_selector"`
	// IDAttr is the attribute holding the item's stable ID (default "data-id").
	IDAttr string `mapstructure:"id_attr"`
	// Fields maps payload field names to child selectors whose text is
	// extracted, e.g. {"author": ".author", "body": ".content"}.
	Fields map[string]string `mapstructure:"fields"`
}

// Poller fetches a static page and maps matched elements to items.
type Poller struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Poller.
func New(cfg Config) (*Poller, error) {
	if strings.TrimSpace(cfg.ItemSelector) == "" {
		return nil, fmt.Errorf("item selector is required")
	}
	if cfg.IDAttr == "" {
		cfg.IDAttr = "data-id"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Poller{cfg: cfg, base: c}, nil
}

// Poll fetches the target and returns the mapped items. The session argument
// is unused: static targets need no browser. Elements without the ID
// attribute are skipped, and a page yielding zero items reports
// scrape.ErrEmptyResult so the retry policy treats it as transient.
func (p *Poller) Poll(ctx context.Context, target string, _ scrape.Session) ([]scrape.Item, error) {
	collector := p.base.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)

	var (
		mu       sync.Mutex
		items    []scrape.Item
		status   int
		fetchErr error
	)
	collector.OnHTML(p.cfg.ItemSelector, func(e *colly.HTMLElement) {
		id := strings.TrimSpace(e.Attr(p.cfg.IDAttr))
		if id == "" {
			return
		}
		payload := make(map[string]any, len(p.cfg.Fields))
		for field, sel := range p.cfg.Fields {
			payload[field] = strings.TrimSpace(e.ChildText(sel))
		}
		mu.Lock()
		items = append(items, scrape.Item{ID: id, Payload: payload})
		mu.Unlock()
	})
	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		status = r.StatusCode
		mu.Unlock()
	})
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
		mu.Unlock()
	})

	visitErr, err := p.visit(ctx, collector, target)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if status == http.StatusTooManyRequests {
		return nil, &scrape.Error{Kind: scrape.KindRateLimited, Op: "colly.poll", Err: scrape.ErrRateLimited}
	}
	if fetchErr != nil {
		return nil, classify(fetchErr, status)
	}
	if visitErr != nil {
		return nil, classify(visitErr, status)
	}
	if len(items) == 0 {
		return nil, &scrape.Error{Kind: scrape.KindEmpty, Op: "colly.poll", Err: scrape.ErrEmptyResult}
	}
	return items, nil
}

// visit runs the collector, returning its error separately from
// cancellation so the caller can still consult the response status.
func (p *Poller) visit(ctx context.Context, collector *colly.Collector, target string) (error, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("poll canceled: %w", ctx.Err())
	case err := <-done:
		return err, nil
	}
}

// classify maps transport failures onto the failure taxonomy.
func classify(err error, status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &scrape.Error{Kind: scrape.KindRateLimited, Op: "colly.poll", Err: scrape.ErrRateLimited}
	case isTimeout(err):
		return &scrape.Error{Kind: scrape.KindTimeout, Op: "colly.poll", Err: err}
	default:
		return &scrape.Error{Kind: scrape.KindNetwork, Op: "colly.poll", Err: err}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
