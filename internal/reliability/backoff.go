package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff grows the delay geometrically up to MaxInterval
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int // 0 means unlimited
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy with jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry reports whether another attempt is allowed after attempt failed
func (e *ExponentialBackoff) ShouldRetry(attempt int) bool {
	return e.MaxAttempts <= 0 || attempt+1 < e.MaxAttempts
}

// NextDelay returns the wait before the attempt following attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%, never above MaxInterval
	if e.Jitter {
		delay = delay + rand.Float64()*0.3*delay - 0.15*delay
		if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
			delay = float64(e.MaxInterval)
		}
	}

	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, the policy gives up or ctx is done
func Retry(ctx context.Context, policy *ExponentialBackoff, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !policy.ShouldRetry(attempt) {
			return err
		}

		if sleepErr := Sleep(ctx, policy.NextDelay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}
