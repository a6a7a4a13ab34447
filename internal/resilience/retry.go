package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configuration for retry logic
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool

	// Retryable overrides the taxonomy-based retriability check
	Retryable func(error) bool
}

// DefaultRetryConfig returns the standard backoff policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  MaxAttempts - 1,
		BackoffBase: BackoffBase,
		BackoffMax:  BackoffMax,
		Jitter:      true,
	}
}

// Retry executes a function with exponential backoff retry logic.
// Rate-limit errors carrying a retry hint wait for the hint instead.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	retryable := config.Retryable
	if retryable == nil {
		retryable = IsRetriable
	}

	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt-1, config.BackoffBase, config.BackoffMax, config.Jitter)
			if hint := retryAfterHint(lastErr); hint > 0 {
				backoff = hint
				if config.BackoffMax > 0 && backoff > config.BackoffMax {
					backoff = config.BackoffMax
				}
			}

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryAfterHint returns the provider retry hint of a rate-limit error
func retryAfterHint(err error) time.Duration {
	pe := Classify(err, "")
	if pe == nil || pe.Kind != KindRateLimited {
		return 0
	}
	return pe.RetryAfter
}

// calculateBackoff calculates exponential backoff with optional jitter.
// Jitter draws uniformly from ±25% of the nominal delay, with the upper bound
// capped at max, so near the ceiling the spread narrows instead of piling up
// at max. The result never exceeds max.
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 32 {
		attempt = 32
	}
	// Exponential backoff: base * 2^attempt
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))

	if backoff > max || backoff <= 0 {
		backoff = max
	}

	if jitter {
		low := float64(backoff) * 0.75
		high := math.Min(float64(backoff)*1.25, float64(max))
		backoff = time.Duration(low + rand.Float64()*(high-low))
	}

	if backoff > max {
		backoff = max
	}
	if backoff < 0 {
		backoff = base
	}

	return backoff
}
