// Package stream schedules and supervises long-lived feed monitors. Each
// stream polls its target on an interval, filters already-seen items, and
// emits one event per genuinely new item.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

// Status is a stream's lifecycle state.
type Status string

// Lifecycle states. StatusStopped and StatusErrorStopped are terminal.
const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusStopped      Status = "stopped"
	StatusErrorStopped Status = "error-stopped"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusErrorStopped
}

// Interval bounds and defaults.
const (
	MinInterval     = 15 * time.Second
	MaxInterval     = time.Hour
	DefaultInterval = time.Minute

	DefaultHistoryCap     = 200
	DefaultErrorThreshold = 10

	// DescriptorTTL is how long a persisted descriptor outlives its last
	// write. Restore only re-derives ticks from descriptors younger than
	// this.
	DescriptorTTL = 7 * 24 * time.Hour
)

// ErrInvalidTransition reports a lifecycle move the state machine forbids.
var ErrInvalidTransition = errors.New("invalid stream transition")

// Descriptor is the persisted identity and state of one stream.
type Descriptor struct {
	ID                string            `json:"id"`
	Type              scrape.StreamType `json:"type"`
	Target            string            `json:"target"`
	Interval          time.Duration     `json:"interval"`
	Status            Status            `json:"status"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	LastPollAt        time.Time         `json:"last_poll_at,omitzero"`
	CreatedAt         time.Time         `json:"created_at"`
	HistoryCap        int               `json:"history_cap"`
	ErrorThreshold    int               `json:"error_threshold"`
	UseProxy          bool              `json:"use_proxy"`
}

// CreateInput is the caller-supplied part of a new stream.
type CreateInput struct {
	Type     scrape.StreamType
	Target   string
	Interval time.Duration
	// HistoryCap bounds the retained item history (default 200).
	HistoryCap int
	// ErrorThreshold is the consecutive-error count that auto-stops the
	// stream (default 10).
	ErrorThreshold int
	// UseProxy routes the stream's sessions through the proxy pool.
	UseProxy bool
}

// Validate checks the input, applying defaults in place.
func (in *CreateInput) Validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("unknown stream type %q", in.Type)
	}
	if strings.TrimSpace(in.Target) == "" {
		return errors.New("target is required")
	}
	if in.Interval == 0 {
		in.Interval = DefaultInterval
	}
	if in.Interval < MinInterval || in.Interval > MaxInterval {
		return fmt.Errorf("interval %v outside [%v, %v]", in.Interval, MinInterval, MaxInterval)
	}
	if in.HistoryCap <= 0 {
		in.HistoryCap = DefaultHistoryCap
	}
	if in.ErrorThreshold <= 0 {
		in.ErrorThreshold = DefaultErrorThreshold
	}
	return nil
}

// transitions holds the allowed lifecycle moves.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusStopped},
	StatusActive:  {StatusPaused, StatusStopped, StatusErrorStopped},
	StatusPaused:  {StatusActive, StatusStopped},
}

// transition moves the descriptor to the target status or reports why not.
func (d *Descriptor) transition(to Status) error {
	if d.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", scrape.ErrStreamStopped, d.Status)
	}
	for _, allowed := range transitions[d.Status] {
		if allowed == to {
			d.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
}
