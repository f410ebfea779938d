// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"errors"
	"log"
	"math"
	"time"
)

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy bounds how a failed call is re-attempted. Delays grow
// exponentially up to MaxDelay; a 429 with Retry-After overrides the
// computed delay.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the policy used for all conversation-store
// calls unless configured otherwise.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// delayFor computes the wait before retry attempt n (0-based).
func (p RetryPolicy) delayFor(attempt int, err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		if rl.RetryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return rl.RetryAfter
	}

	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// retryWith runs fn under the policy, retrying only transient failures.
// Context cancellation always wins over the remaining retry budget.
func retryWith[T any](ctx context.Context, policy RetryPolicy, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := policy.delayFor(attempt-1, lastErr)
			log.Printf("REMOTE_RETRY | op=%s attempt=%d wait=%s err=%v", op, attempt, wait, lastErr)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

// isRetryable reports whether a call may be re-attempted. Auth failures,
// missing resources, and shape errors are terminal; rate limiting,
// server errors, and network faults are not.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoPersistence) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	// Transport-level failure (connection refused, reset, DNS).
	return true
}
