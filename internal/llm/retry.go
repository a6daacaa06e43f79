package llm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for transient provider failures.
type RetryConfig struct {
	MaxAttempts int // total attempts including the first
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns sensible defaults for rate limit retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Backoff computes the wait before the retry that follows a failed attempt
// (1-based). A Retry-After hint carried by err wins over the exponential
// schedule; both are capped at MaxBackoff.
func (c RetryConfig) Backoff(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if se := ClassifyError("", err); se != nil && se.RetryAfter > 0 {
		wait := se.RetryAfter
		if c.MaxBackoff > 0 && wait > c.MaxBackoff {
			wait = c.MaxBackoff
		}
		return wait
	}

	// Exponential backoff: base * 2^(attempt-1)
	backoff := float64(c.BaseBackoff) * math.Pow(2, float64(attempt-1))

	// Add jitter: +/- 25%
	jitter := (rand.Float64() - 0.5) * 0.5 * backoff
	backoff += jitter

	if c.MaxBackoff > 0 && backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
