package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffMode selects the delay growth curve for scheduled retries.
type BackoffMode string

const (
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Backoff computes the delay before retry attempt n (1-based):
// linear grows as initial*n, exponential as initial*2^(n-1). The result is
// clamped to max when max > 0. No jitter; callers needing deterministic
// schedules (the outcome retry handler) rely on exact values.
func Backoff(mode BackoffMode, attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch mode {
	case BackoffLinear:
		delay = initial * time.Duration(attempt)
	default:
		delay = time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
	}
	if max > 0 && delay > max {
		delay = max
	}
	if delay < 0 { // overflow on huge attempts
		if max > 0 {
			delay = max
		} else {
			delay = initial
		}
	}
	return delay
}

// RetryConfig configures the in-process retry helper used for dependency
// calls (storage connects, schema setup). Task-level retries are handled by
// the outcome pipeline instead.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-transient error, or exhausts config.MaxAttempts retries.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-time.After(jitteredBackoff(attempt, config)):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// jitteredBackoff computes baseDelay*2^attempt with ±JitterFactor noise,
// capped at MaxDelay.
func jitteredBackoff(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
