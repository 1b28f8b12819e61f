package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config describes how often and how long an operation is retried.
type Config struct {
	Enabled bool
	// MaxAttempts bounds the retries after the first attempt. Zero retries
	// until ctx is done.
	MaxAttempts  int
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts; zero leaves it uncapped.
	MaxDelay time.Duration
	// Multiplier grows the wait after each failure. Values below 1 keep it
	// constant.
	Multiplier float64
	// NonRetryableErrors end the loop on the first match (errors.Is).
	NonRetryableErrors []error
	// OnRetry observes every failure that will be retried.
	OnRetry func(attempt int, err error)
}

// DefaultConfig is a short exponential backoff for request/response calls.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Constant retries every interval with no attempt limit.
func Constant(interval time.Duration) Config {
	return Config{
		Enabled:      true,
		InitialDelay: interval,
		Multiplier:   1,
	}
}

// Retry calls fn immediately and then again after each backoff until it
// returns nil, a non-retryable error, the attempts run out or ctx is done.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	if !cfg.Enabled {
		return fn()
	}

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		if cfg.permanent(err) {
			return zero, fmt.Errorf("giving up on permanent error: %w", err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, fmt.Errorf("gave up after %d retries: %w", cfg.MaxAttempts, err)
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
		if err := sleep(ctx, cfg.Backoff(attempt)); err != nil {
			return zero, fmt.Errorf("retry aborted while waiting: %w", err)
		}
	}
}

// Backoff is the wait after the given zero-based failed attempt.
func (c Config) Backoff(attempt int) time.Duration {
	growth := math.Max(c.Multiplier, 1)
	d := float64(c.InitialDelay) * math.Pow(growth, float64(attempt))
	if c.MaxDelay > 0 {
		d = math.Min(d, float64(c.MaxDelay))
	}
	return time.Duration(d)
}

func (c Config) permanent(err error) bool {
	for _, target := range c.NonRetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
