package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func testConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), testConfig(3), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), testConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), testConfig(2), func() error {
		attempts++
		return errTestError
	})

	if err == nil {
		t.Error("Expected error after max attempts, got nil")
	}
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped last error, got: %v", err)
	}
	if attempts != 3 { // MaxAttempts + 1 (initial attempt)
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestRetry_ZeroMaxAttemptsRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), testConfig(0), func() error {
		attempts++
		if attempts < 10 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got: %v", err)
	}
	if attempts != 10 {
		t.Errorf("Expected 10 attempts, got: %d", attempts)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	cfg := testConfig(0)
	cfg.InitialDelay = 50 * time.Millisecond
	err := Retry(ctx, cfg, func() error {
		attempts++
		return errTestError
	})

	if err == nil {
		t.Error("Expected error due to context cancellation, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got: %v", err)
	}
	if attempts < 1 {
		t.Errorf("Expected at least 1 attempt before cancellation, got: %d", attempts)
	}
}

func TestCalculateDelay_ExponentialBackoff(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}

	if d := calculateDelay(cfg, 0); d != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got: %v", d)
	}
	if d := calculateDelay(cfg, 1); d != 200*time.Millisecond {
		t.Errorf("Expected 200ms, got: %v", d)
	}
	if d := calculateDelay(cfg, 2); d != 400*time.Millisecond {
		t.Errorf("Expected 400ms, got: %v", d)
	}
}

func TestCalculateDelay_MaxDelayCap(t *testing.T) {
	cfg := Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}

	if d := calculateDelay(cfg, 5); d > cfg.MaxDelay {
		t.Errorf("Expected delay <= %v, got: %v", cfg.MaxDelay, d)
	}
}

func TestCalculateDelay_WithJitter(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	base := 200 * time.Millisecond
	for i := 0; i < 10; i++ {
		d := calculateDelay(cfg, 1)
		if d < base/2 || d > base {
			t.Errorf("Jittered delay out of range: got %v, expected between %v and %v", d, base/2, base)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts to be 3, got: %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 100*time.Millisecond {
		t.Errorf("Expected InitialDelay to be 100ms, got: %v", cfg.InitialDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Expected Multiplier to be 2.0, got: %f", cfg.Multiplier)
	}
	if !cfg.Jitter {
		t.Error("Expected Jitter to be true")
	}
}
