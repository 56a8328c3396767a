package crawler

import (
	"context"
	"errors"
	"time"
)

// LinearRetryPolicy waits base*attempt between attempts.
type LinearRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewLinearRetryPolicy builds a policy, substituting defaults for non-positive values.
func NewLinearRetryPolicy(maxAttempts int, baseDelay time.Duration) LinearRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay < 0 {
		baseDelay = 0
	}
	return LinearRetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// ShouldRetry decides whether the error is retryable after the given attempt.
// Non-2xx statuses, timeouts and network errors are treated alike; caller
// cancellation is not.
func (p LinearRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Backoff returns the wait before the attempt following attempt.
func (p LinearRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(attempt)
}
