package sinks

import (
	"context"
	"sync"

	"github.com/feedsentry/feedsentry/internal/events"
)

// ChannelSink exposes events to in-process subscribers over a buffered
// channel. A slow subscriber loses events rather than stalling the hub.
type ChannelSink struct {
	ch chan events.Event

	mu     sync.Mutex
	closed bool
}

// NewChannelSink builds a sink with the given buffer (default 256).
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan events.Event, buffer)}
}

// C is the subscriber's receive channel. It is closed when the hub shuts
// down, so a range loop over it terminates cleanly.
func (s *ChannelSink) C() <-chan events.Event {
	return s.ch
}

// Consume forwards each event, dropping when the buffer is full.
func (s *ChannelSink) Consume(_ context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, evt := range batch {
		select {
		case s.ch <- evt:
		default:
		}
	}
	return nil
}

// Close closes the subscriber channel.
func (s *ChannelSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
