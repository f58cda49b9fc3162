// Package retrier provides the bounded retry policy wrapped around the
// flaky steps of the join pipeline (browser launch, navigation, join click).
package retrier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
)

// Backoff selects how the inter-attempt delay grows.
type Backoff int

const (
	// Linear waits baseDelay * attemptNumber between attempts.
	Linear Backoff = iota
	// Exponential doubles the delay after every failed attempt.
	Exponential
)

// ExhaustedError is returned when every attempt failed. It carries the last
// underlying error and the number of attempts actually made.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Operation is a single attempt of a fallible step. It returns a cleanup
// function for any partially acquired resources (a half-launched browser,
// an open tab); the policy invokes it before the next attempt so retries
// can never accumulate handles.
type Operation func(ctx context.Context, attempt int) (cleanup func(), err error)

// Policy is a reusable bounded-retry configuration.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     Backoff
	Clock       schemas.Clock
	Logger      *zap.Logger
}

// New returns a Policy with the given bounds, a real clock, and a nop
// logger unless one is attached via WithLogger.
func New(maxAttempts int, baseDelay time.Duration, backoff Backoff) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Backoff:     backoff,
		Clock:       schemas.RealClock{},
		Logger:      zap.NewNop(),
	}
}

// WithLogger returns a copy of the policy logging attempt failures.
func (p Policy) WithLogger(logger *zap.Logger) Policy {
	p.Logger = logger.Named("retrier")
	return p
}

// WithClock returns a copy of the policy using the given clock. Tests use
// this to avoid real sleeps.
func (p Policy) WithClock(clock schemas.Clock) Policy {
	p.Clock = clock
	return p
}

// Run executes op until it succeeds, the context is canceled, or
// MaxAttempts is exhausted. Cleanup from a failed attempt always runs
// before the next attempt starts.
func (p Policy) Run(ctx context.Context, name string, op Operation) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry policy for %q has non-positive max attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		cleanup, err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if cleanup != nil {
			cleanup()
		}

		p.Logger.Debug("Attempt failed.",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Error(err))

		if attempt == p.MaxAttempts {
			break
		}
		if err := p.wait(ctx, p.delay(attempt)); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: p.MaxAttempts, LastErr: lastErr}
}

func (p Policy) delay(attempt int) time.Duration {
	switch p.Backoff {
	case Exponential:
		return p.BaseDelay << (attempt - 1)
	default:
		return p.BaseDelay * time.Duration(attempt)
	}
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-p.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
