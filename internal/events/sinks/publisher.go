package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/events"
	"github.com/feedsentry/feedsentry/internal/scrape"
)

// PublisherSink pushes events to an outbound topic, one message per event so
// downstream consumers keep per-stream ordering.
type PublisherSink struct {
	pub    scrape.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink wires a publisher and target topic.
func NewPublisherSink(pub scrape.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}, nil
}

// Consume publishes each event in order. The first publish failure aborts the
// batch; the hub logs and moves on, so a flaky broker cannot wedge emitters.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			return fmt.Errorf("publish event %s/%s: %w", evt.StreamID, evt.Kind, err)
		}
		s.logger.Debug("event published",
			zap.String("stream_id", evt.StreamID),
			zap.String("kind", string(evt.Kind)),
			zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
