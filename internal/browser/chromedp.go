package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

// driver launches browser tabs. The pool only knows this interface, so tests
// substitute a fake without touching Chrome.
type driver interface {
	open(ctx context.Context, fp Fingerprint, proxyURI string) (tab, error)
}

// tab is one live browser session as seen by the pool.
type tab interface {
	navigate(ctx context.Context, rawURL string) error
	scroll(ctx context.Context) error
	content(ctx context.Context) (string, error)
	close()
}

// chromedpDriver launches headless Chrome sessions, one allocator per session
// so each carries its own proxy binding and fingerprint.
type chromedpDriver struct {
	pageTimeout  time.Duration
	hostQPS      float64
	hostLimiters sync.Map
}

func newChromedpDriver(pageTimeout time.Duration, hostQPS float64) *chromedpDriver {
	return &chromedpDriver{
		pageTimeout: pageTimeout,
		hostQPS:     hostQPS,
	}
}

func (d *chromedpDriver) open(ctx context.Context, fp Fingerprint, proxyURI string) (tab, error) {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(fp.UserAgent),
	)
	if proxyURI != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURI))
	}

	// The session must outlive the acquire context; teardown happens via
	// close, not via ctx.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	warmup := chromedp.Tasks{
		chromedp.ActionFunc(func(cctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(stealthScript).Do(cctx)
			return err
		}),
		emulation.SetDeviceMetricsOverride(fp.Width, fp.Height, 1, false),
		emulation.SetUserAgentOverride(fp.UserAgent).WithAcceptLanguage(fp.Locale),
		emulation.SetTimezoneOverride(fp.Timezone),
	}
	warmupCtx, cancelWarmup := context.WithTimeout(browserCtx, d.pageTimeout)
	defer cancelWarmup()
	stop := forwardCancel(ctx, cancelWarmup)
	err := chromedp.Run(warmupCtx, warmup)
	stop()
	if err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("%w: %v", scrape.ErrBrowserLaunch, err)
	}

	return &chromedpTab{
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		drv:           d,
	}, nil
}

type chromedpTab struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	drv           *chromedpDriver
}

func (t *chromedpTab) navigate(ctx context.Context, rawURL string) error {
	if err := t.drv.waitHostBudget(ctx, rawURL); err != nil {
		return fmt.Errorf("navigation rate limit: %w", err)
	}
	err := t.run(ctx, chromedp.Tasks{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &scrape.Error{Kind: scrape.KindTimeout, Op: "browser.navigate", Err: scrape.ErrPageTimeout}
		}
		return &scrape.Error{Kind: scrape.KindNetwork, Op: "browser.navigate", Err: err}
	}
	return nil
}

func (t *chromedpTab) scroll(ctx context.Context) error {
	err := t.run(ctx, chromedp.Tasks{
		chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil),
	})
	if err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (t *chromedpTab) content(ctx context.Context) (string, error) {
	var html string
	err := t.run(ctx, chromedp.Tasks{
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	})
	if err != nil {
		return "", fmt.Errorf("serialize dom: %w", err)
	}
	return html, nil
}

func (t *chromedpTab) close() {
	t.cancelBrowser()
	t.cancelAlloc()
}

// run executes tasks against the session with the page timeout applied,
// propagating cancellation from the caller's context.
func (t *chromedpTab) run(ctx context.Context, tasks chromedp.Tasks) error {
	taskCtx, cancel := context.WithTimeout(t.browserCtx, t.drv.pageTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(taskCtx, tasks)
}

func (d *chromedpDriver) waitHostBudget(ctx context.Context, rawURL string) error {
	if d.hostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := d.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(d.hostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
