package llmcore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int           // total attempts including the first; values < 1 mean 1
	AttemptTimeout    time.Duration // per-attempt deadline; 0 disables
	BaseDelay         float64       // initial delay in seconds
	MaxDelay          float64       // maximum delay between attempts
	BackoffMultiplier float64       // exponential backoff factor
	Jitter            bool          // add random jitter to prevent thundering herd
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default retry policy: three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         1.0,
		MaxDelay:          30.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay after failed attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64()) // rand in [0,1) -> [0.5, 1.5)
	}
	return time.Duration(delay * float64(time.Second))
}

// Retry executes fn under the policy. Each attempt runs with its own deadline;
// an attempt that hits it fails with RequestTimeoutError and counts against
// the budget. Only retryable errors are retried; permanent errors and parent
// cancellation return immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt - 1)
			// Check for Retry-After on rate limit errors.
			var rl *RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter != nil {
				retryDelay := time.Duration(*rl.RetryAfter * float64(time.Second))
				if retryDelay > time.Duration(policy.MaxDelay*float64(time.Second)) {
					// Retry-After exceeds max_delay; raise immediately.
					return zero, err
				}
				delay = retryDelay
			}

			if policy.OnRetry != nil {
				policy.OnRetry(err, attempt+1, delay)
			}

			select {
			case <-ctx.Done():
				return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
			case <-time.After(delay):
			}
		}

		var result T
		result, err = runAttempt(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
		}
		if !IsRetryable(err) {
			return zero, err
		}
	}

	return zero, err
}

type attemptResult[T any] struct {
	value T
	err   error
}

// runAttempt returns as soon as the attempt finishes or its deadline passes,
// whichever comes first. A timed-out attempt keeps running in the background
// with a cancelled context until the upstream call unwinds.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- attemptResult[T]{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, timeoutErr(timeout, r.err)
		}
		return r.value, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, timeoutErr(timeout, attemptCtx.Err())
	}
}

func timeoutErr(timeout time.Duration, cause error) error {
	return &RequestTimeoutError{SDKError: SDKError{
		Message: fmt.Sprintf("attempt exceeded %s", timeout),
		Cause:   cause,
	}}
}
