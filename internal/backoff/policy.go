// Package backoff holds the single retry/backoff policy shared by the pool
// manager (reconnects) and the webhook dispatcher (delivery retries).
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy describes how a failed operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
	Jitter         bool
}

// Default returns the policy used where no component-specific tuning applies.
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Factor:         2.0,
		Jitter:         true,
	}
}

// RetryableError wraps an error that is worth retrying, optionally carrying
// a provider-indicated wait.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %v)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error asks for a retry.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// Retry runs fn up to MaxAttempts times, sleeping the policy's backoff
// between attempts. Non-retryable errors abort immediately.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		wait := policy.Delay(attempt)
		var retryable *RetryableError
		if errors.As(err, &retryable) && retryable.RetryAfter > 0 {
			wait = retryable.RetryAfter
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("max attempts exceeded (%d): %w", policy.MaxAttempts, lastErr)
}

// Delay computes the backoff before the given zero-based attempt's retry.
func (p Policy) Delay(attempt int) time.Duration {
	wait := float64(p.InitialBackoff) * math.Pow(p.Factor, float64(attempt))
	if wait > float64(p.MaxBackoff) {
		wait = float64(p.MaxBackoff)
	}
	duration := time.Duration(wait)

	if p.Jitter {
		jitter := time.Duration(float64(duration) * 0.1 * (2*rand.Float64() - 1))
		duration += jitter
	}
	return duration
}
