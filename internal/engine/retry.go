package engine

import (
	"context"
	"math"
	"time"
)

// Sleeper waits out a retry delay. It returns early with ctx.Err() when the
// run is aborted or times out.
type Sleeper func(ctx context.Context, d time.Duration) error

// maxDelay is where growing strategies saturate instead of overflowing.
const maxDelay = time.Duration(math.MaxInt64)

// ComputeBackoff returns the delay before retry number retry (1-based).
// The step's RetryDelay is the base; MaxDelay caps growing strategies.
//
//	constant, none: base
//	linear:         base * retry
//	exponential:    base * 2^(retry-1)
func ComputeBackoff(step *Step, retry int) time.Duration {
	base := step.RetryDelay
	if base <= 0 || retry < 1 {
		return 0
	}

	delay := base
	switch step.Backoff {
	case BackoffLinear:
		if time.Duration(retry) > maxDelay/base {
			delay = maxDelay
		} else {
			delay = base * time.Duration(retry)
		}
	case BackoffExponential:
		for i := 1; i < retry; i++ {
			if delay > maxDelay/2 {
				delay = maxDelay
				break
			}
			delay *= 2
			if step.MaxDelay > 0 && delay >= step.MaxDelay {
				break
			}
		}
	}

	if step.MaxDelay > 0 && delay > step.MaxDelay {
		delay = step.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
