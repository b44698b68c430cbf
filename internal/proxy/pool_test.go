package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, uris ...string) (*Pool, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pool := NewPool(Config{}, clock, zap.NewNop())
	for _, uri := range uris {
		require.NoError(t, pool.Register(uri))
	}
	return pool, clock
}

func TestRegisterRejectsInvalidURI(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t)
	require.Error(t, pool.Register("not a proxy"))
	require.Error(t, pool.Register("hostonly:8080"))
	require.NoError(t, pool.Register("socks5://10.0.0.1:1080"))
	require.Equal(t, 1, pool.Size())
}

func TestNextRoundRobin(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t,
		"http://p1.example:3128",
		"http://p2.example:3128",
		"http://p3.example:3128",
	)
	var order []string
	for i := 0; i < 6; i++ {
		pr, err := pool.Next()
		require.NoError(t, err)
		order = append(order, pr.URI)
	}
	require.Equal(t, []string{
		"http://p1.example:3128",
		"http://p2.example:3128",
		"http://p3.example:3128",
		"http://p1.example:3128",
		"http://p2.example:3128",
		"http://p3.example:3128",
	}, order)
}

func TestBlacklistAfterThreeConsecutiveFailures(t *testing.T) {
	t.Parallel()

	pool, clock := newTestPool(t,
		"http://p1.example:3128",
		"http://p2.example:3128",
		"http://p3.example:3128",
	)
	p1, err := pool.Next()
	require.NoError(t, err)
	require.Equal(t, "http://p1.example:3128", p1.URI)

	for i := 0; i < 3; i++ {
		pool.MarkFailed(p1)
	}

	// Rotation now cycles only P2 and P3.
	var order []string
	for i := 0; i < 4; i++ {
		pr, nextErr := pool.Next()
		require.NoError(t, nextErr)
		order = append(order, pr.URI)
	}
	require.Equal(t, []string{
		"http://p2.example:3128",
		"http://p3.example:3128",
		"http://p2.example:3128",
		"http://p3.example:3128",
	}, order)

	for i := 0; i < 50; i++ {
		pr, randErr := pool.Random()
		require.NoError(t, randErr)
		require.NotEqual(t, p1.URI, pr.URI)
	}

	// After the blacklist window elapses, P1 rejoins with failures cleared.
	clock.Advance(10*time.Minute + time.Second)
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		pr, nextErr := pool.Next()
		require.NoError(t, nextErr)
		seen[pr.URI] = true
	}
	require.True(t, seen[p1.URI])
	require.Zero(t, p1.ConsecutiveFailures)
	require.True(t, p1.BlacklistedUntil.IsZero())
}

func TestPoolExhausted(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, "http://p1.example:3128")
	p1, err := pool.Next()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		pool.MarkFailed(p1)
	}
	_, err = pool.Next()
	require.ErrorIs(t, err, scrape.ErrProxyPoolExhausted)
	_, err = pool.Random()
	require.ErrorIs(t, err, scrape.ErrProxyPoolExhausted)

	empty, _ := newTestPool(t)
	_, err = empty.Next()
	require.ErrorIs(t, err, scrape.ErrProxyPoolExhausted)
}

func TestMarkSuccessResetsFailuresAndAveragesRTT(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, "http://p1.example:3128")
	p1, err := pool.Next()
	require.NoError(t, err)

	pool.MarkFailed(p1)
	pool.MarkFailed(p1)
	pool.MarkSuccess(p1, 100*time.Millisecond)
	require.Zero(t, p1.ConsecutiveFailures)
	require.Equal(t, 100*time.Millisecond, p1.AvgResponseTime)

	pool.MarkSuccess(p1, 300*time.Millisecond)
	require.Equal(t, 200*time.Millisecond, p1.AvgResponseTime)

	stats := pool.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, 2, stats[0].Successes)
	require.Equal(t, 2, stats[0].Failures)
	require.False(t, stats[0].Blacklisted)
}

func TestTestAllProbesConcurrently(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	pool := NewPool(Config{ProbeURL: srv.URL, ProbeTimeout: 2 * time.Second}, clock, zap.NewNop())
	// Both "proxies" point at the test server itself, so CONNECT-free HTTP
	// proxying succeeds against it.
	require.NoError(t, pool.Register(srv.URL))
	require.NoError(t, pool.Register(srv.URL))

	results, err := pool.TestAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.OK, "probe error: %s", r.Error)
		require.Greater(t, r.Latency, time.Duration(0))
	}
}

func TestTestAllRequiresProbeURL(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, "http://p1.example:3128")
	_, err := pool.TestAll(context.Background())
	require.Error(t, err)
}
