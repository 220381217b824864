package retry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Sleeper waits for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// NoSleep returns immediately. Tests use it to run a whole budget instantly.
var NoSleep Sleeper = SleeperFunc(func(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
})

// ClockSleeper sleeps on a clock.Clock so a mock clock can drive it.
type ClockSleeper struct {
	Clock clock.Clock
}

// WallClock returns a sleeper backed by the real clock.
func WallClock() ClockSleeper {
	return ClockSleeper{Clock: clock.New()}
}

func (s ClockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	c := s.Clock
	if c == nil {
		c = clock.New()
	}
	timer := c.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
