package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for the core failure taxonomy.
var (
	// ErrProxyPoolExhausted signals that every registered proxy is
	// blacklisted. Callers either fall back to a direct connection or
	// abort, per configuration.
	ErrProxyPoolExhausted = errors.New("proxy pool exhausted")
	// ErrBrowserLaunch signals that a browser session could not be started.
	ErrBrowserLaunch = errors.New("browser launch failure")
	// ErrPageTimeout signals that a navigation or extraction exceeded the
	// page timeout.
	ErrPageTimeout = errors.New("page timeout")
	// ErrRateLimited signals that the target is throttling or blocking us.
	ErrRateLimited = errors.New("rate limited by target")
	// ErrEmptyResult signals an extraction that produced no items where
	// items were expected; treated as transient.
	ErrEmptyResult = errors.New("empty result")
	// ErrExtraction signals a non-transient extraction failure.
	ErrExtraction = errors.New("extraction error")
	// ErrCheckpointCorrupt signals that a checkpoint could not be decoded
	// into a structurally valid state. Resume never partially applies it.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	// ErrStreamStopped signals an operation against a terminally stopped
	// stream.
	ErrStreamStopped = errors.New("stream stopped")
)

// Kind tags a failure for the retry policy. Failures are consumed as data by
// the retry loop rather than via control-flow unwinding.
type Kind string

// Failure kinds. The first four are transient and retryable.
const (
	KindTimeout     Kind = "timeout"
	KindNetwork     Kind = "network-error"
	KindRateLimited Kind = "rate-limited"
	KindEmpty       Kind = "empty-result"
	KindOther       Kind = "other"
)

// Retryable reports whether the kind is transient by default.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimited, KindEmpty:
		return true
	}
	return false
}

// Error carries a classified failure through the retry loop.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an arbitrary error onto the failure taxonomy. Tagged errors
// keep their kind; untagged errors are classified by cause.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	switch {
	case errors.Is(err, ErrPageTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrEmptyResult):
		return KindEmpty
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindOther
}
