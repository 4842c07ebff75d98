// Package retry provides exponential backoff with jitter for operations
// that fail transiently, such as store lock acquisition.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrMaxRetriesExceeded indicates all retry attempts failed.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryableFunc is the function signature for operations that can be retried.
type RetryableFunc func(ctx context.Context) error

// RetryCondition determines if an error should trigger a retry.
type RetryCondition func(err error) bool

// Config holds retry configuration.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	ShouldRetry       RetryCondition
}

// Option configures retry behavior.
type Option func(*Config)

// DefaultConfig returns sensible defaults: 3 attempts, 200ms initial delay.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// WithMaxAttempts sets the maximum number of attempts (includes initial attempt).
func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

// WithInitialDelay sets the delay before the first retry.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		if d < 0 {
			d = 0
		}
		c.InitialDelay = d
	}
}

// WithMaxDelay sets the maximum delay between retries.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		if d < 0 {
			d = 0
		}
		c.MaxDelay = d
	}
}

// WithRetryCondition sets the function that determines retryable errors.
// When unset, all errors are retried.
func WithRetryCondition(cond RetryCondition) Option {
	return func(c *Config) { c.ShouldRetry = cond }
}

// Do executes fn, retrying on error according to opts until MaxAttempts is
// reached, ctx is cancelled, or ShouldRetry declines the error.
func Do(ctx context.Context, fn RetryableFunc, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("%w: no attempts configured", ErrMaxRetriesExceeded)
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		actualDelay := addJitter(delay, cfg.JitterFactor)
		timer := time.NewTimer(actualDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = safeMultiplyDelay(delay, cfg.BackoffMultiplier, cfg.MaxDelay)
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func safeMultiplyDelay(delay time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if multiplier <= 1.0 {
		return min(delay, maxDelay)
	}
	result := float64(delay) * multiplier
	if math.IsInf(result, 0) || math.IsNaN(result) || result > float64(math.MaxInt64) {
		return maxDelay
	}
	newDelay := time.Duration(result)
	if newDelay < 0 {
		return maxDelay
	}
	return min(newDelay, maxDelay)
}

func addJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	if factor > 1.0 {
		factor = 1.0
	}
	jitterRange := float64(d) * factor
	jitter := time.Duration(jitterRange * (2*rand.Float64() - 1))
	result := d + jitter
	if result < 0 {
		return 0
	}
	return result
}
