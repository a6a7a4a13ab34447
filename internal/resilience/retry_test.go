package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	t.Run("success on first try", func(t *testing.T) {
		attempts := 0
		config := RetryConfig{
			MaxRetries:  3,
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  100 * time.Millisecond,
		}

		err := Retry(context.Background(), config, func() error {
			attempts++
			return nil
		})

		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("success after retries", func(t *testing.T) {
		attempts := 0
		config := RetryConfig{
			MaxRetries:  3,
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  100 * time.Millisecond,
		}

		err := Retry(context.Background(), config, func() error {
			attempts++
			if attempts < 3 {
				return &HTTPError{Status: 503}
			}
			return nil
		})

		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
		if attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		attempts := 0
		config := RetryConfig{
			MaxRetries:  2,
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  100 * time.Millisecond,
		}

		err := Retry(context.Background(), config, func() error {
			attempts++
			return errors.New("connection reset by peer")
		})

		if err == nil {
			t.Error("Expected error after max retries")
		}
		if !IsKind(Classify(err, ""), KindNetworkFailure) {
			t.Errorf("Expected wrapped network failure, got: %v", err)
		}
		if attempts != 3 { // initial + 2 retries
			t.Errorf("Expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("non-retryable error", func(t *testing.T) {
		attempts := 0
		config := RetryConfig{
			MaxRetries:  3,
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  100 * time.Millisecond,
		}

		err := Retry(context.Background(), config, func() error {
			attempts++
			return &HTTPError{Status: 401, Body: "invalid api key"}
		})

		if err == nil {
			t.Error("Expected error for non-retryable")
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt for non-retryable, got %d", attempts)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		config := RetryConfig{
			MaxRetries:  10,
			BackoffBase: 100 * time.Millisecond,
			BackoffMax:  1 * time.Second,
		}

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, config, func() error {
			attempts++
			return errors.New("500 server error")
		})

		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got: %v", err)
		}
		if attempts > 2 {
			t.Errorf("Should have stopped early due to cancellation, got %d attempts", attempts)
		}
	})

	t.Run("rate limit honours retry hint", func(t *testing.T) {
		attempts := 0
		config := RetryConfig{
			MaxRetries:  1,
			BackoffBase: time.Second,
			BackoffMax:  time.Second,
		}

		start := time.Now()
		err := Retry(context.Background(), config, func() error {
			attempts++
			if attempts < 2 {
				return &HTTPError{Status: 429, Retry: 20 * time.Millisecond}
			}
			return nil
		})

		if err != nil {
			t.Errorf("Expected success after retry, got: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("Expected retry-after hint to shorten the wait, took %v", elapsed)
		}
	})

	t.Run("custom retryable", func(t *testing.T) {
		attempts := 0
		config := RetryConfig{
			MaxRetries:  2,
			BackoffBase: time.Millisecond,
			BackoffMax:  time.Millisecond,
			Retryable:   func(error) bool { return false },
		}

		_ = Retry(context.Background(), config, func() error {
			attempts++
			return errors.New("500 server error")
		})
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
	})
}

func TestCalculateBackoff(t *testing.T) {
	t.Run("exponential growth", func(t *testing.T) {
		base := 100 * time.Millisecond
		max := 10 * time.Second

		b1 := calculateBackoff(1, base, max, false)
		b2 := calculateBackoff(2, base, max, false)
		b3 := calculateBackoff(3, base, max, false)

		if b1 >= b2 || b2 >= b3 {
			t.Error("Backoff should grow exponentially")
		}
	})

	t.Run("first attempt waits base", func(t *testing.T) {
		if b := calculateBackoff(0, time.Second, 16*time.Second, false); b != time.Second {
			t.Errorf("Expected 1s, got %v", b)
		}
	})

	t.Run("respects max", func(t *testing.T) {
		base := 100 * time.Millisecond
		max := 500 * time.Millisecond

		b := calculateBackoff(10, base, max, false)
		if b > max {
			t.Errorf("Backoff %v exceeds max %v", b, max)
		}
	})

	t.Run("jitter never exceeds max", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			if b := calculateBackoff(20, time.Second, 16*time.Second, true); b > 16*time.Second {
				t.Fatalf("Backoff %v exceeds cap", b)
			}
		}
	})

	t.Run("jitter at ceiling spreads below max", func(t *testing.T) {
		max := 16 * time.Second
		low := time.Duration(float64(max) * 0.75)

		pinned, upper := 0, 0
		const samples = 400
		for i := 0; i < samples; i++ {
			b := calculateBackoff(20, time.Second, max, true)
			if b < low || b > max {
				t.Fatalf("Expected backoff in [%v, %v], got %v", low, max, b)
			}
			if b == max {
				pinned++
			}
			if b > low+(max-low)/2 {
				upper++
			}
		}
		if pinned > samples/20 {
			t.Errorf("Expected jitter spread below the ceiling, got %d of %d samples at max", pinned, samples)
		}
		if upper == 0 {
			t.Errorf("Expected samples in the upper half of [%v, %v], got none", low, max)
		}
	})

	t.Run("jitter near ceiling", func(t *testing.T) {
		// nominal 8s, upper bound 10s clamps to the 9s ceiling
		max := 9 * time.Second
		for i := 0; i < 200; i++ {
			b := calculateBackoff(3, time.Second, max, true)
			if b < 6*time.Second || b > max {
				t.Fatalf("Expected backoff in [6s, 9s], got %v", b)
			}
		}
	})

	t.Run("jitter adds variation", func(t *testing.T) {
		base := 100 * time.Millisecond
		max := 10 * time.Second

		results := make(map[time.Duration]bool)
		for i := 0; i < 100; i++ {
			b := calculateBackoff(2, base, max, true)
			results[b] = true
		}

		if len(results) < 5 {
			t.Error("Jitter should produce variation in backoff values")
		}
	})
}

func TestRetryDelay(t *testing.T) {
	t.Run("non-retriable is zero", func(t *testing.T) {
		if d := RetryDelay(&HTTPError{Status: 403}, 0); d != 0 {
			t.Errorf("Expected 0, got %v", d)
		}
	})

	t.Run("retry-after wins for rate limits", func(t *testing.T) {
		if d := RetryDelay(&HTTPError{Status: 429, Retry: 7 * time.Second}, 3); d != 7*time.Second {
			t.Errorf("Expected 7s, got %v", d)
		}
	})

	t.Run("backoff within jitter bounds", func(t *testing.T) {
		for attempt := 0; attempt < MaxAttempts; attempt++ {
			nominal := BackoffBase << attempt
			if nominal > BackoffMax {
				nominal = BackoffMax
			}
			low := time.Duration(float64(nominal) * 0.75)
			high := time.Duration(float64(nominal) * 1.25)
			if high > BackoffMax {
				high = BackoffMax
			}
			for i := 0; i < 20; i++ {
				d := RetryDelay(errors.New("503 service unavailable"), attempt)
				if d < low || d > high {
					t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, low, high)
				}
			}
		}
	})
}
