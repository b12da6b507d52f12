// Package retry provides a bounded retry driver where each attempt
// reports an explicit outcome instead of relying on error inspection
// at the call site.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of a single attempt.
type Result struct {
	err       error
	retryable bool
	after     time.Duration
}

// Done reports a successful attempt.
func Done() Result {
	return Result{}
}

// Retryable reports a failed attempt that may succeed if retried.
func Retryable(err error) Result {
	return Result{err: err, retryable: true}
}

// RetryableAfter reports a failed attempt with a server-provided delay
// hint. The driver waits at least this long before the next attempt.
func RetryableAfter(err error, after time.Duration) Result {
	return Result{err: err, retryable: true, after: after}
}

// Fatal reports a failed attempt that must not be retried.
func Fatal(err error) Result {
	return Result{err: err}
}

// Err returns the attempt error, nil for a successful attempt.
func (r Result) Err() error {
	return r.err
}

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs fn until it reports Done, a fatal outcome, the attempt
// budget is exhausted, or the context is cancelled. Between retryable
// attempts it waits with exponential backoff, extended to any delay
// hint carried by the outcome.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) Result) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var last error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res := fn(ctx)
		if res.err == nil {
			return nil
		}
		last = res.err

		if !res.retryable {
			return res.err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoff(policy, attempt)
		if res.after > delay {
			delay = res.after
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxAttempts, last)
}

// backoff computes the exponential delay for the given attempt number.
func backoff(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}
