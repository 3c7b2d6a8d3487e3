package cluster

import (
	"context"
	"time"
)

// Condition is evaluated once per poll cycle. Returning an error stops polling.
type Condition func(ctx context.Context) (done bool, err error)

// Poll evaluates cond, then sleeps interval, until cond reports done, returns
// an error, or ctx is cancelled. When timeout is positive, polling also stops
// with ErrDeadlineExceeded once the timeout has elapsed; the deadline is only
// checked before each evaluation, so a slow cond may overrun it.
func Poll(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	return poll(ctx, systemClock{}, interval, timeout, cond)
}

func poll(ctx context.Context, clock clock, interval, timeout time.Duration, cond Condition) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = clock.Now().Add(timeout)
	}

	for {
		if timeout > 0 && !clock.Now().Before(deadline) {
			return ErrDeadlineExceeded
		}

		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if err := clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
