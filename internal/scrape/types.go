package scrape

import (
	"context"
	"time"
)

// StreamType selects which poll function services a monitored target.
type StreamType string

// Supported stream types.
const (
	StreamPosts     StreamType = "posts"
	StreamFollowers StreamType = "followers"
	StreamMentions  StreamType = "mentions"
)

// Valid reports whether t names a known stream type.
func (t StreamType) Valid() bool {
	switch t {
	case StreamPosts, StreamFollowers, StreamMentions:
		return true
	}
	return false
}

// RawItem is one record extracted from the target page. The schema is owned
// by the extractor; the engine only touches the dedup key.
type RawItem map[string]any

// Item is a normalized record produced by a Poller. ID must be a stable
// unique identifier for the underlying entity.
type Item struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// Session is one leased browser session. Implementations are owned
// exclusively by a single caller between acquire and release.
type Session interface {
	// ID identifies the session for logging and lease bookkeeping.
	ID() string
	// Navigate loads the URL, honoring the page timeout.
	Navigate(ctx context.Context, url string) error
	// Scroll advances the page by one viewport (infinite-scroll targets).
	Scroll(ctx context.Context) error
	// Content returns the current serialized DOM.
	Content(ctx context.Context) (string, error)
}

// Extractor pulls the currently visible batch of items from a session.
// Implementations are supplied per target and validated at registration.
type Extractor interface {
	Extract(ctx context.Context, s Session) ([]RawItem, error)
}

// ExtractorFunc adapts a plain function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, s Session) ([]RawItem, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, s Session) ([]RawItem, error) {
	return f(ctx, s)
}

// Poller fetches the current snapshot of a monitored target. Implementations
// are supplied per stream type.
type Poller interface {
	Poll(ctx context.Context, target string, s Session) ([]Item, error)
}

// PollerFunc adapts a plain function to the Poller interface.
type PollerFunc func(ctx context.Context, target string, s Session) ([]Item, error)

// Poll implements Poller.
func (f PollerFunc) Poll(ctx context.Context, target string, s Session) ([]Item, error) {
	return f(ctx, target, s)
}

// Publisher pushes payloads to an external topic (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces stream and run identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
