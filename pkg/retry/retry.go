package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	Enabled      bool          // Enable/disable retry logic
	MaxAttempts  int           // Maximum number of retry attempts
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Exponential backoff multiplier (typically 2.0)
	Jitter       bool          // Add jitter to prevent thundering herd
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	if !cfg.Enabled {
		return fn()
	}

	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(cfg, attempt)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for exponential backoff
func calculateDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	duration := time.Duration(delay)

	// +/-25% variation keeps simultaneous clients from retrying in lockstep
	if cfg.Jitter {
		span := duration / 4
		if span > 0 {
			duration = duration - span + time.Duration(rand.Int63n(int64(2*span)+1))
		}
	}

	return duration
}
