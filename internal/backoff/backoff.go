// Package backoff retries transient failures with exponentially growing
// delays. Delays are jittered so parallel callers do not retry in step.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy controls how the delay between attempts grows.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration

	// Max caps the delay regardless of attempt count.
	Max time.Duration

	// Factor multiplies the delay on each further failure.
	Factor float64

	// Jitter is the random fraction added on top, in [0, 1].
	Jitter float64
}

// DefaultPolicy suits short-lived API calls: 200ms doubling up to 5s.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the pause before the next attempt. Attempts count from 1,
// so Delay(1) is the pause after the first failure.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := float64(attempt - 1)
	if exp < 0 {
		exp = 0
	}
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base * (1 + p.Jitter*random)
	if ceiling := float64(p.Max); p.Max > 0 && total > ceiling {
		total = ceiling
	}
	return time.Duration(total)
}

// Retry runs fn up to attempts times, pausing per the policy between
// failures. The first success wins. When every attempt fails the last
// error is returned wrapped with the attempt count, so errors.Is and
// errors.As still reach the cause. A context that ends mid-retry stops
// the loop immediately.
func Retry[T any](ctx context.Context, policy Policy, attempts int, fn func() (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(err, lastErr)
		}

		value, err := fn()
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt < attempts {
			if err := sleep(ctx, policy.Delay(attempt)); err != nil {
				return zero, errors.Join(err, lastErr)
			}
		}
	}

	return zero, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
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
