// Package retry provides the single retry-with-backoff policy applied
// to transient remote failures, instead of ad hoc loops per call site.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy parameterizes retry behavior.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; each following
	// delay doubles, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the fraction of the delay randomized in each direction,
	// e.g. 0.2 spreads a 1s delay over 0.8s..1.2s.
	Jitter float64
}

// Default returns the policy used by the connection pool dialer.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so Do stops retrying immediately. Used for
// failures a retry cannot fix, such as rejected credentials.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, returns a permanent error, the attempts
// are exhausted, or the context is cancelled. The returned error is the
// last attempt's error, unwrapped from any Permanent marker.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, attempt-1); err != nil {
				return err
			}
		}

		err := op()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return lastErr
}

// sleep waits for the backoff delay of the given retry number,
// returning early if the context is cancelled.
func (p Policy) sleep(ctx context.Context, retryNum int) error {
	delay := p.BaseDelay << (retryNum - 1)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*spread)
	}
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
