package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(2, time.Millisecond, 10*time.Millisecond)
	transient := &discovery.ProviderError{Op: "search", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
	permanent := &discovery.ProviderError{Op: "search", StatusCode: 400, Err: errors.New("bad request")}
	quota := &discovery.ProviderError{Op: "search", StatusCode: 403, Err: fmt.Errorf("wrapped: %w", discovery.ErrQuotaExceeded)}

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil", err: nil, attempt: 1, want: false},
		{name: "transient", err: transient, attempt: 1, want: true},
		{name: "transient exhausted", err: transient, attempt: 3, want: false},
		{name: "permanent", err: permanent, attempt: 1, want: false},
		{name: "quota", err: quota, attempt: 1, want: false},
		{name: "canceled", err: context.Canceled, attempt: 1, want: false},
		{name: "deadline", err: context.DeadlineExceeded, attempt: 1, want: true},
		{name: "net timeout", err: timeoutErr{}, attempt: 2, want: true},
		{name: "plain error", err: errors.New("boom"), attempt: 1, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(5, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 1; attempt <= 6; attempt++ {
		capped := 100 * time.Millisecond << (attempt - 1)
		if capped > 400*time.Millisecond {
			capped = 400 * time.Millisecond
		}
		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, d, capped/2)
			require.Less(t, d, capped)
		}
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(3, time.Millisecond, 2*time.Millisecond)
	calls := 0
	var retried []int
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return &discovery.ProviderError{Op: "details", StatusCode: 500, Transient: true, Err: errors.New("oops")}
		}
		return nil
	}, func(attempt int, _ time.Duration, _ error) {
		retried = append(retried, attempt)
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoGivesUp(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(1, time.Millisecond, time.Millisecond)
	calls := 0
	want := &discovery.ProviderError{Op: "search", StatusCode: 429, Transient: true, Err: errors.New("slow down")}
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return want
	}, nil)
	require.ErrorIs(t, err, want)
	require.Equal(t, 2, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(10, time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return &discovery.ProviderError{Op: "search", Transient: true, Err: errors.New("flaky")}
	}, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
