// Package retry provides a small retry-with-backoff combinator shared by
// session initialization and in-place recovery.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; subsequent waits
	// double (BaseDelay * 2^(attempt-1)).
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Jitter is the upper bound of the random extra wait added to each
	// backoff. Zero disables jitter.
	Jitter time.Duration

	// AttemptTimeout bounds each individual attempt. Zero means the attempt
	// runs under the caller's context only.
	AttemptTimeout time.Duration
}

// DefaultPolicy matches the session-initialization defaults: four attempts,
// exponential backoff from 2s, 60s per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      2 * time.Second,
		MaxDelay:       30 * time.Second,
		Jitter:         time.Second,
		AttemptTimeout: 60 * time.Second,
	}
}

// Do runs fn under the policy until it succeeds, attempts are exhausted, or
// ctx is cancelled. fn receives the attempt number starting at 1. The last
// error is returned wrapped with the attempt count.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := fn(attemptCtx, attempt)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(p.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}

// Backoff returns the wait after the given attempt (1-based), including
// jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}
