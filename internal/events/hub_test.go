package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

// collectorSink records every consumed event for assertions.
type collectorSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *collectorSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *collectorSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *collectorSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func itemEvent(streamID, itemID string) Event {
	return Event{
		StreamID:   streamID,
		StreamType: scrape.StreamPosts,
		Kind:       KindItemNew,
		TS:         time.Now().UTC(),
		Item:       &scrape.Item{ID: itemID},
	}
}

func TestHubDeliversInOrder(t *testing.T) {
	t.Parallel()

	sink := &collectorSink{}
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, sink)

	for i := range 20 {
		hub.Emit(itemEvent("stream-1", string(rune('a'+i))))
	}
	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 20)
	for i, evt := range got {
		require.Equal(t, string(rune('a'+i)), evt.Item.ID)
	}
	require.True(t, sink.closed)
}

func TestHubFlushesOnBatchSize(t *testing.T) {
	t.Parallel()

	sink := &collectorSink{}
	hub := NewHub(Config{MaxBatch: 5, MaxWait: time.Hour}, sink)
	defer hub.Close(context.Background())

	for range 5 {
		hub.Emit(itemEvent("stream-1", "x"))
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 5
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnTimer(t *testing.T) {
	t.Parallel()

	sink := &collectorSink{}
	hub := NewHub(Config{MaxBatch: 1000, MaxWait: 20 * time.Millisecond}, sink)
	defer hub.Close(context.Background())

	hub.Emit(itemEvent("stream-1", "solo"))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &collectorSink{}
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Kind: KindItemNew, TS: time.Now()})                          // no stream id
	hub.Emit(Event{StreamID: "s", Kind: KindItemNew, TS: time.Now()})           // no item
	hub.Emit(Event{StreamID: "s", Kind: Kind("mystery"), TS: time.Now()})       // unknown kind
	hub.Emit(Event{StreamID: "s", Kind: KindStreamStarted})                     // no timestamp
	hub.Emit(Event{StreamID: "s", Kind: KindStreamStarted, TS: time.Now()})     // valid
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.snapshot(), 1)
}

func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	sink := &collectorSink{}
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(itemEvent("stream-1", "late"))
	require.Empty(t, sink.snapshot())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := itemEvent("stream-1", "post-1")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		evt  Event
	}{
		{"missing stream id", Event{Kind: KindStreamStarted, TS: time.Now()}},
		{"missing timestamp", Event{StreamID: "s", Kind: KindStreamStarted}},
		{"unknown kind", Event{StreamID: "s", Kind: Kind("bogus"), TS: time.Now()}},
		{"item event without item", Event{StreamID: "s", Kind: KindItemNew, TS: time.Now()}},
		{"item event without item id", Event{StreamID: "s", Kind: KindItemNew, TS: time.Now(), Item: &scrape.Item{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.evt.Validate())
		})
	}
}
