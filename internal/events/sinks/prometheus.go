package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/feedsentry/feedsentry/internal/events"
)

// PrometheusSink exports event counts. It owns its collectors so tests can
// register against a private registry.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
	itemsTotal  *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
// A nil registry falls back to the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsentry_stream_events_total",
			Help: "Stream events partitioned by kind and stream type.",
		}, []string{"kind", "type"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsentry_stream_items_total",
			Help: "New items observed per stream type.",
		}, []string{"type"}),
	}
	for _, collector := range []prometheus.Collector{s.eventsTotal, s.itemsTotal} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Kind), string(evt.StreamType)).Inc()
		if evt.Kind == events.KindItemNew {
			s.itemsTotal.WithLabelValues(string(evt.StreamType)).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
