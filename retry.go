package athanor

import (
	"context"
	"math/rand"
	"time"
)

const (
	// defaultMaxRetries bounds orchestrator retries of one model call.
	defaultMaxRetries = 2
	retryBaseDelay    = 500 * time.Millisecond
	retryMaxDelay     = 8 * time.Second
)

// retryBackoff returns the delay before retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter, capped at max.
func retryBackoff(base, max time.Duration, i int) time.Duration {
	exp := base << uint(i)
	if exp <= 0 || exp > max {
		exp = max
	}
	delay := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	if delay > max {
		delay = max
	}
	return delay
}

// sleepBackoff waits the backoff for retry i or returns early on ctx
// cancellation.
func sleepBackoff(ctx context.Context, base, max time.Duration, i int) error {
	timer := time.NewTimer(retryBackoff(base, max, i))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
