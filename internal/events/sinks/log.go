package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/events"
)

// LogSink writes structured logs for every event. Useful in development and
// for audit trails where no durable sink is wired.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stream_id", evt.StreamID),
			zap.String("stream_type", string(evt.StreamType)),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.Item != nil {
			fields = append(fields, zap.String("item_id", evt.Item.ID))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("stream event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
