package scrape

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e *timeoutErr) Error() string   { return "dial tcp: i/o problem" }
func (e *timeoutErr) Timeout() bool   { return e.timeout }
func (e *timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOther},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"page timeout wrapped", fmt.Errorf("navigate: %w", ErrPageTimeout), KindTimeout},
		{"rate limited", fmt.Errorf("extract: %w", ErrRateLimited), KindRateLimited},
		{"empty result", ErrEmptyResult, KindEmpty},
		{"net timeout", &timeoutErr{timeout: true}, KindTimeout},
		{"net error", &timeoutErr{timeout: false}, KindNetwork},
		{"plain", errors.New("boom"), KindOther},
		{"tagged", &Error{Kind: KindRateLimited, Err: errors.New("429")}, KindRateLimited},
		{"tagged wrapped", fmt.Errorf("tick: %w", &Error{Kind: KindEmpty, Err: errors.New("none")}), KindEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindTimeout, KindNetwork, KindRateLimited, KindEmpty} {
		require.True(t, k.Retryable(), "kind %s", k)
	}
	require.False(t, KindOther.Retryable())
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying")
	err := &Error{Kind: KindNetwork, Op: "poll", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "poll")
	require.Contains(t, err.Error(), "network-error")
}
