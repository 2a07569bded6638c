package errors

import (
	"context"
	"time"
)

// Policy bounds how Do drives an operation: at most Attempts invocations
// (always at least one) with a fixed Delay between consecutive attempts.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Executor reruns fallible operations according to a Policy. It applies the
// same treatment to every failure: deterministic remote rejections consume
// attempts exactly like transient network errors, and the final failure is
// returned to the caller unchanged. The zero value is ready for use.
type Executor struct {
	// sleep suspends between attempts; tests substitute it.
	sleep func(context.Context, time.Duration) error
}

func NewExecutor() *Executor {
	return &Executor{sleep: sleepContext}
}

// Do invokes op until it returns nil or the attempt budget is spent. A
// successful or final attempt is never followed by a delay. Cancelling the
// context interrupts both the inter-attempt wait and the loop.
func (e *Executor) Do(ctx context.Context, policy Policy, op func(context.Context) error) error {
	if op == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	wait := e.sleep
	if wait == nil {
		wait = sleepContext
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if werr := wait(ctx, policy.Delay); werr != nil {
				return werr
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
	}

	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
