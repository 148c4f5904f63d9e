// Package retry wraps transient store calls (connection loss,
// deadlock) in a bounded, jittered exponential backoff. Logical
// contract violations should never be routed through it.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// IsTransient lets callers decide whether an error is worth retrying.
// By default every error is treated as potentially transient; callers
// that know an error is a logical violation (errs.ErrNotFound etc.)
// should not route it through Do at all.
type IsTransient func(error) bool

// Do runs fn up to p.MaxAttempts times, sleeping a jittered exponential
// backoff between attempts, stopping early on ctx cancellation or when
// shouldRetry returns false. It returns the last error if all attempts
// are exhausted.
func Do(ctx context.Context, p Policy, shouldRetry IsTransient, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}
	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !shouldRetry(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		sleep := jitter(delay)
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// +/- 20%
	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
