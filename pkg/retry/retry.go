// Package retry provides the bounded retry loop and the bounded poll loop used
// around every blocking backend call.
//
// Both loops take their delays from a cenkalti/backoff BackOff and sleep
// through an injectable Sleeper, so tests can run a full retry or poll budget
// without waiting on the wall clock.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/3leaps/gocumulus/pkg/faults"
)

// Default retry budget for backend calls.
const (
	DefaultMaxAttempts = 5
	DefaultDelay       = 500 * time.Millisecond
)

// Policy describes how an operation is retried.
//
// The zero value performs exactly one attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// NewBackOff returns a fresh interval generator for one Do call.
	// Default: constant DefaultDelay.
	NewBackOff func() backoff.BackOff

	// Retryable decides whether an error is worth another attempt.
	// A nil Retryable retries nothing.
	Retryable func(error) bool

	// Sleeper waits between attempts. Default: wall clock.
	Sleeper Sleeper
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		NewBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(delay) },
	}
}

// Exponential returns a policy whose delay doubles from initial up to max.
func Exponential(attempts int, initial, max time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		NewBackOff:  func() backoff.BackOff { return newExponential(initial, max) },
	}
}

func newExponential(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// WithRetryable returns a copy of p using fn to classify errors.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithSleeper returns a copy of p that waits through s.
func (p Policy) WithSleeper(s Sleeper) Policy {
	p.Sleeper = s
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.NewBackOff == nil {
		p.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(DefaultDelay) }
	}
	if p.Sleeper == nil {
		p.Sleeper = WallClock()
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent.
//
// A non-retryable error is returned unchanged. Exhausting the budget on a
// retryable error returns a *faults.TransientBackendError wrapping the last
// error. Context cancellation during a wait returns the context error.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = p.normalized()
	b := p.NewBackOff()
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return &faults.TransientBackendError{Op: op, Attempts: attempt, Err: err}
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return &faults.TransientBackendError{Op: op, Attempts: attempt, Err: err}
		}
		if serr := p.Sleeper.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}
