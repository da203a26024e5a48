package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient failure")

func TestBackoff_DefaultConfig(t *testing.T) {
	config := DefaultBackoffConfig()

	if config.InitialDelay != time.Second {
		t.Errorf("Expected initial delay of 1s, got %v", config.InitialDelay)
	}

	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected max delay of 30s, got %v", config.MaxDelay)
	}

	if config.Multiplier != 2.0 {
		t.Errorf("Expected multiplier of 2.0, got %v", config.Multiplier)
	}

	if config.MaxAttempts != 5 {
		t.Errorf("Expected max attempts of 5, got %v", config.MaxAttempts)
	}

	if config.Jitter != 0.1 {
		t.Errorf("Expected jitter of 0.1, got %v", config.Jitter)
	}
}

func TestBackoff_DelayGrowth(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0,
	})

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3 * time.Second, // 3200ms capped
		3 * time.Second, // stays capped
	}

	for n, want := range expected {
		if got := backoff.Delay(n); got != want {
			t.Errorf("Delay(%d) = %v, expected %v", n, got, want)
		}
	}
}

func TestBackoff_DefaultCurveWithJitter(t *testing.T) {
	backoff := NewBackoff(DefaultBackoffConfig())

	bases := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}

	for n, base := range bases {
		delay := backoff.Delay(n)
		low := time.Duration(float64(base) * 0.9)
		high := time.Duration(float64(base) * 1.1)
		if delay < low || delay > high {
			t.Errorf("Delay(%d) = %v, expected within [%v, %v]", n, delay, low, high)
		}
	}

	// The cap itself still jitters
	capped := backoff.Delay(10)
	low := time.Duration(float64(30*time.Second) * 0.9)
	high := time.Duration(float64(30*time.Second) * 1.1)
	if capped < low || capped > high {
		t.Errorf("capped delay = %v, expected within [%v, %v]", capped, low, high)
	}
}

func TestBackoff_JitterVaries(t *testing.T) {
	backoff := NewBackoff(DefaultBackoffConfig())

	first := backoff.Delay(2)
	varied := false
	for i := 0; i < 10; i++ {
		if backoff.Delay(2) != first {
			varied = true
			break
		}
	}

	if !varied {
		t.Error("expected jittered delays to vary across draws")
	}
}

func TestBackoff_NegativeRetryCount(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0,
	})

	if got := backoff.Delay(-3); got != 100*time.Millisecond {
		t.Errorf("Delay(-3) = %v, expected initial delay", got)
	}
}

func TestBackoff_HugeRetryCountStaysBounded(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0,
	})

	if got := backoff.Delay(10000); got != 30*time.Second {
		t.Errorf("Delay(10000) = %v, expected the 30s cap", got)
	}
}

func TestBackoff_MaxAttempts(t *testing.T) {
	backoff := NewBackoff(DefaultBackoffConfig())
	if got := backoff.MaxAttempts(); got != 5 {
		t.Errorf("MaxAttempts() = %d, expected 5", got)
	}
}

func TestBackoff_RetrySucceedsAfterFailures(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0,
	})

	calls := 0
	err := backoff.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	if err != nil {
		t.Errorf("Retry() = %v, expected success", err)
	}
	if calls != 3 {
		t.Errorf("operation ran %d times, expected 3", calls)
	}
}

func TestBackoff_RetryExhaustsAttempts(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       0,
	})

	calls := 0
	err := backoff.Retry(context.Background(), func() error {
		calls++
		return errTransient
	})

	if err != errTransient {
		t.Errorf("Retry() = %v, expected the last operation error", err)
	}
	if calls != 3 {
		t.Errorf("operation ran %d times, expected 3", calls)
	}
}

func TestBackoff_RetryHonorsContextCancellation(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- backoff.Retry(ctx, func() error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Retry() = %v, expected context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not return after cancellation")
	}

	if calls != 1 {
		t.Errorf("operation ran %d times before cancellation, expected 1", calls)
	}
}
