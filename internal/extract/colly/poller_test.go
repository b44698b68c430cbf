package collyextract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

const feedHTML = `<!doctype html>
<html><body>
<article class="post" data-id="post-1">
  <span class="author">ada</span>
  <div class="content">first post</div>
</article>
<article class="post" data-id="post-2">
  <span class="author">grace</span>
  <div class="content">second post</div>
</article>
<article class="post">
  <span class="author">anon</span>
  <div class="content">no id, skipped</div>
</article>
</body></html>`

func newPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := New(Config{
		ItemSelector: "article.post",
		Fields: map[string]string{
			"author": ".author",
			"body":   ".content",
		},
	})
	require.NoError(t, err)
	return p
}

func TestPollMapsItems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(feedHTML))
	}))
	defer srv.Close()

	items, err := newPoller(t).Poll(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "post-1", items[0].ID)
	require.Equal(t, "ada", items[0].Payload["author"])
	require.Equal(t, "first post", items[0].Payload["body"])
	require.Equal(t, "post-2", items[1].ID)
}

func TestPollEmptyPageIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>nothing here</body></html>"))
	}))
	defer srv.Close()

	_, err := newPoller(t).Poll(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, scrape.ErrEmptyResult)
	require.Equal(t, scrape.KindEmpty, scrape.Classify(err))
}

func TestPollRateLimitedStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newPoller(t).Poll(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, scrape.ErrRateLimited)
	require.Equal(t, scrape.KindRateLimited, scrape.Classify(err))
}

func TestPollServerErrorIsNetworkKind(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newPoller(t).Poll(context.Background(), srv.URL, nil)
	require.Error(t, err)
	require.Equal(t, scrape.KindNetwork, scrape.Classify(err))
}

func TestNewRequiresItemSelector(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
