package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/clock/system"
	"github.com/feedsentry/feedsentry/internal/proxy"
	"github.com/feedsentry/feedsentry/internal/scrape"
	"github.com/feedsentry/feedsentry/internal/stream"
)

type fakeDirectory struct {
	streams map[string]stream.Descriptor
	history map[string][]scrape.Item
}

func (f *fakeDirectory) List(context.Context) ([]stream.Descriptor, error) {
	out := make([]stream.Descriptor, 0, len(f.streams))
	for _, d := range f.streams {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDirectory) Get(_ context.Context, id string) (stream.Descriptor, error) {
	d, ok := f.streams[id]
	if !ok {
		return stream.Descriptor{}, stream.ErrStreamNotFound
	}
	return d, nil
}

func (f *fakeDirectory) History(id string) []scrape.Item {
	return f.history[id]
}

func newFixture(t *testing.T, cfg Config) (*Server, *fakeDirectory) {
	t.Helper()
	dir := &fakeDirectory{
		streams: map[string]stream.Descriptor{},
		history: map[string][]scrape.Item{},
	}
	pool := proxy.NewPool(proxy.Config{}, system.New(), nil)
	require.NoError(t, pool.Register("socks5://10.0.0.1:1080"))
	return NewServer(dir, pool, cfg, nil), dir
}

func doRequest(t *testing.T, s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	t.Parallel()

	s, _ := newFixture(t, Config{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doRequest(t, s, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestListStreams(t *testing.T) {
	t.Parallel()

	s, dir := newFixture(t, Config{})
	dir.streams["s-1"] = stream.Descriptor{
		ID:       "s-1",
		Type:     scrape.StreamPosts,
		Target:   "https://example.test/feed",
		Interval: time.Minute,
		Status:   stream.StatusActive,
	}
	dir.streams["s-2"] = stream.Descriptor{
		ID:       "s-2",
		Type:     scrape.StreamMentions,
		Target:   "https://example.test/mentions",
		Interval: 5 * time.Minute,
		Status:   stream.StatusPaused,
	}

	rec := doRequest(t, s, http.MethodGet, "/v1/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Streams []struct {
			ID              string `json:"id"`
			IntervalSeconds int    `json:"interval_seconds"`
			Status          string `json:"status"`
		} `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Streams, 2)
}

func TestGetStream(t *testing.T) {
	t.Parallel()

	s, dir := newFixture(t, Config{})
	dir.streams["s-1"] = stream.Descriptor{
		ID:       "s-1",
		Type:     scrape.StreamPosts,
		Target:   "https://example.test/feed",
		Interval: time.Minute,
		Status:   stream.StatusActive,
	}

	rec := doRequest(t, s, http.MethodGet, "/v1/streams/s-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "s-1", view["id"])
	require.Equal(t, float64(60), view["interval_seconds"])
	require.Equal(t, "active", view["status"])
	require.NotContains(t, view, "last_poll_at")
}

func TestGetStreamNotFound(t *testing.T) {
	t.Parallel()

	s, _ := newFixture(t, Config{})
	rec := doRequest(t, s, http.MethodGet, "/v1/streams/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetHistory(t *testing.T) {
	t.Parallel()

	s, dir := newFixture(t, Config{})
	dir.streams["s-1"] = stream.Descriptor{ID: "s-1", Status: stream.StatusActive}
	dir.history["s-1"] = []scrape.Item{
		{ID: "post-1", Payload: map[string]any{"author": "ada"}},
	}

	rec := doRequest(t, s, http.MethodGet, "/v1/streams/s-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		StreamID string        `json:"stream_id"`
		Items    []scrape.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "s-1", body.StreamID)
	require.Len(t, body.Items, 1)
	require.Equal(t, "post-1", body.Items[0].ID)

	rec = doRequest(t, s, http.MethodGet, "/v1/streams/missing/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListProxies(t *testing.T) {
	t.Parallel()

	s, _ := newFixture(t, Config{})
	rec := doRequest(t, s, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Proxies []proxy.ProxyStats `json:"proxies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Proxies, 1)
	require.Equal(t, "socks5://10.0.0.1:1080", body.Proxies[0].URI)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newFixture(t, Config{})
	rec := doRequest(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s, _ := newFixture(t, Config{APIKey: "sekrit"})

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	header := http.Header{}
	header.Set("X-API-Key", "sekrit")
	rec = doRequest(t, s, http.MethodGet, "/healthz", header)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	s, _ := newFixture(t, Config{})
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
