package automation

import (
	"context"
	"time"
)

// Clock is the engine's time source. Injected so tests can control time.
type Clock interface {
	Now() time.Time
}

// systemClock reads the wall clock in UTC.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}

// Sleeper is a cancellable delay primitive.
type Sleeper interface {
	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err()
	// in the latter case. Non-positive durations return immediately.
	Sleep(ctx context.Context, d time.Duration) error
}

// systemSleeper sleeps on a real timer.
type systemSleeper struct{}

func (systemSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemSleeper is the production sleeper.
var SystemSleeper Sleeper = systemSleeper{}
