// Package backoff computes reconnect delays: min(base*2^attempt, cap) plus a
// jitter drawn uniformly from [0, base).
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts count as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(int64(base) * multiplier)
}

// Policy is a capped exponential backoff with additive jitter
type Policy struct {
	Base time.Duration
	Cap  time.Duration

	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

// Delay returns the wait before retry number attempt (0-based)
func (p Policy) Delay(attempt int) time.Duration {
	delay := Exponential(p.Base, attempt)
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	if p.Base <= 0 {
		return delay
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}

	return delay + time.Duration(jitter(int64(p.Base)))
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
