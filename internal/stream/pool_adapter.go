package stream

import (
	"context"

	"github.com/feedsentry/feedsentry/internal/browser"
	"github.com/feedsentry/feedsentry/internal/scrape"
)

// PoolAdapter presents *browser.Pool as a SessionPool.
type PoolAdapter struct {
	Pool *browser.Pool
}

// Acquire leases a browser session.
func (a PoolAdapter) Acquire(ctx context.Context, proxyURI string) (scrape.Session, error) {
	return a.Pool.Acquire(ctx, proxyURI)
}

// Release returns the session to the pool. Sessions from other pools are
// ignored.
func (a PoolAdapter) Release(s scrape.Session) {
	if bs, ok := s.(*browser.Session); ok {
		a.Pool.Release(bs)
	}
}
