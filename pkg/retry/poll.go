package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPollExhausted is returned when a poll budget runs out before the
// condition is met.
var ErrPollExhausted = errors.New("poll budget exhausted")

// PollPolicy bounds a polling loop. It is shared by completion polling,
// liveness polling and lock acquisition.
type PollPolicy struct {
	// Attempts is the maximum number of checks. Values below 1 are treated as 1.
	Attempts int

	// NewBackOff returns the interval generator. Default: constant 1s.
	NewBackOff func() backoff.BackOff

	Sleeper Sleeper
}

// FixedPoll polls up to attempts times with a constant interval.
func FixedPoll(attempts int, interval time.Duration) PollPolicy {
	return PollPolicy{
		Attempts:   attempts,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(interval) },
	}
}

// ExponentialPoll polls up to attempts times, doubling the interval up to max.
func ExponentialPoll(attempts int, initial, max time.Duration) PollPolicy {
	return PollPolicy{
		Attempts:   attempts,
		NewBackOff: func() backoff.BackOff { return newExponential(initial, max) },
	}
}

// WithSleeper returns a copy of p that waits through s.
func (p PollPolicy) WithSleeper(s Sleeper) PollPolicy {
	p.Sleeper = s
	return p
}

// Stats describes how a poll loop ended.
type Stats struct {
	Attempts int
	Slept    time.Duration
}

// PollFunc checks a condition once. It returns done=true with a value when the
// condition holds; a non-nil error aborts the loop.
type PollFunc[T any] func(ctx context.Context, attempt int) (value T, done bool, err error)

// Poll calls fn until it reports done, fails, or the attempt budget is spent,
// in which case it returns ErrPollExhausted.
func Poll[T any](ctx context.Context, p PollPolicy, fn PollFunc[T]) (T, Stats, error) {
	var zero T
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.NewBackOff == nil {
		p.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Second) }
	}
	if p.Sleeper == nil {
		p.Sleeper = WallClock()
	}

	b := p.NewBackOff()
	b.Reset()

	var stats Stats
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, stats, err
		}
		stats.Attempts = attempt

		v, done, err := fn(ctx, attempt)
		if err != nil {
			return zero, stats, err
		}
		if done {
			return v, stats, nil
		}
		if attempt == p.Attempts {
			break
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if err := p.Sleeper.Sleep(ctx, delay); err != nil {
			return zero, stats, err
		}
		stats.Slept += delay
	}

	return zero, stats, ErrPollExhausted
}
