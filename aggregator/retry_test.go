package aggregator

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, p.Delay(1))
	require.Equal(t, 20*time.Millisecond, p.Delay(2))
	require.Equal(t, 40*time.Millisecond, p.Delay(3))
	require.Equal(t, 50*time.Millisecond, p.Delay(4))
	require.Equal(t, 50*time.Millisecond, p.Delay(9))

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := p.Delay(2)
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 30*time.Millisecond)
	}
}

func TestRetryPolicyStopsAtMaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := p.Do(t.Context(), func(context.Context) error {
		calls++
		return &PeerError{Status: http.StatusServiceUnavailable, Err: errors.New("busy")}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryPolicyNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(t.Context(), func(context.Context) error {
		calls++
		return &PeerError{Status: http.StatusBadRequest, Err: errors.New("bad")}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryPolicyRespectsDeadline(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 100, BaseDelay: time.Second, MaxDelay: time.Second}
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return &PeerError{Err: errors.New("connection refused")}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "the first delay already overruns the deadline")
	require.Less(t, time.Since(start), time.Second)
}

func TestRetryPolicySucceedsAfterTransientFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.Do(t.Context(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &PeerError{Status: http.StatusBadGateway, Err: errors.New("flaky")}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}
