package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock records requested waits and releases them immediately.
type fakeClock struct {
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func TestRunSucceedsAfterTransientFailures(t *testing.T) {
	clock := &fakeClock{}
	policy := New(3, 100*time.Millisecond, Linear).WithClock(clock)

	calls := 0
	err := policy.Run(context.Background(), "launch", func(ctx context.Context, attempt int) (func(), error) {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls, "k failures then success means k+1 invocations")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.waits,
		"linear backoff waits baseDelay * attemptNumber")
}

func TestRunExhaustsAfterMaxAttempts(t *testing.T) {
	clock := &fakeClock{}
	policy := New(3, 50*time.Millisecond, Linear).WithClock(clock)

	rootErr := errors.New("join button never appeared")
	calls := 0
	err := policy.Run(context.Background(), "join", func(ctx context.Context, attempt int) (func(), error) {
		calls++
		return nil, rootErr
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "exactly MaxAttempts invocations")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, rootErr, "last underlying error must be reachable via Unwrap")
}

func TestRunExponentialBackoff(t *testing.T) {
	clock := &fakeClock{}
	policy := New(4, 10*time.Millisecond, Exponential).WithClock(clock)

	err := policy.Run(context.Background(), "navigate", func(ctx context.Context, attempt int) (func(), error) {
		return nil, errors.New("nope")
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}, clock.waits)
}

func TestRunCleansUpBetweenAttempts(t *testing.T) {
	clock := &fakeClock{}
	policy := New(3, time.Millisecond, Linear).WithClock(clock)

	var events []string
	_ = policy.Run(context.Background(), "launch", func(ctx context.Context, attempt int) (func(), error) {
		events = append(events, "attempt")
		return func() { events = append(events, "cleanup") }, errors.New("half-launched")
	})

	// No attempt may begin before the previous attempt's resources are gone.
	assert.Equal(t, []string{
		"attempt", "cleanup",
		"attempt", "cleanup",
		"attempt", "cleanup",
	}, events)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	// Real clock with a long delay: cancellation must win the select.
	policy := New(3, time.Hour, Linear)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Run(ctx, "navigate", func(ctx context.Context, attempt int) (func(), error) {
			calls++
			return nil, errors.New("fail")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls, "no retry after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunAlreadyCanceledContext(t *testing.T) {
	policy := New(3, time.Millisecond, Linear)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := policy.Run(ctx, "launch", func(ctx context.Context, attempt int) (func(), error) {
		calls++
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
