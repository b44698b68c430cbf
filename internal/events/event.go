// Package events defines the stream event model and the hub that fans events
// out to registered sinks. Delivery order is preserved per stream.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

// Kind names a stream event.
type Kind string

// Supported event kinds. KindStreamAutoStopped is terminal: it is the last
// event a stream emits after hitting its consecutive-error threshold.
const (
	KindStreamCreated     Kind = "stream.created"
	KindStreamStarted     Kind = "stream.started"
	KindStreamPaused      Kind = "stream.paused"
	KindStreamResumed     Kind = "stream.resumed"
	KindStreamStopped     Kind = "stream.stopped"
	KindStreamAutoStopped Kind = "stream.auto_stopped"
	KindStreamError       Kind = "stream.error"
	KindItemNew           Kind = "item.new"
)

// Event is one observation on a monitored stream.
type Event struct {
	// StreamID identifies the originating stream.
	StreamID string `json:"stream_id"`
	// StreamType is the stream's poll type.
	StreamType scrape.StreamType `json:"stream_type"`
	// Kind names what happened.
	Kind Kind `json:"kind"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Item carries the new item for item.new events.
	Item *scrape.Item `json:"item,omitempty"`
	// Note attaches low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation before an event enters the hub.
func (e Event) Validate() error {
	if e.StreamID == "" {
		return errors.New("stream id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStreamCreated, KindStreamStarted, KindStreamPaused, KindStreamResumed,
		KindStreamStopped, KindStreamAutoStopped, KindStreamError:
	case KindItemNew:
		if e.Item == nil {
			return errors.New("item.new requires an item")
		}
		if e.Item.ID == "" {
			return errors.New("item.new requires an item id")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
