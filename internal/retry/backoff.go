package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       float64       `json:"jitter"`
}

// DefaultBackoffConfig returns the delivery queue's retry curve: 1s doubling
// to a 30s ceiling with 10% jitter, five attempts total.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0.1,
	}
}

// Backoff computes exponential backoff delays with jitter
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{
		config: config,
	}
}

// Delay computes the delay before the next attempt for an entry that has
// failed retryCount times. The exponential curve is capped first, then jitter
// is applied, so the ceiling itself still varies by the jitter fraction.
func (b *Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := float64(b.config.InitialDelay)
	for i := 0; i < retryCount; i++ {
		delay *= b.config.Multiplier
		if delay >= float64(b.config.MaxDelay) {
			break
		}
	}

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	if b.config.Jitter > 0 {
		jitter := delay * b.config.Jitter
		randomValue := secureFloat64()
		delay += (randomValue - 0.5) * 2 * jitter
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}

// MaxAttempts returns the configured attempt ceiling.
func (b *Backoff) MaxAttempts() int {
	return b.config.MaxAttempts
}

// Retry executes the operation until it succeeds, the attempt ceiling is
// reached, or the context is cancelled. Waits between attempts follow the
// same delay curve the queue scheduler uses.
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == b.config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}

	return lastErr
}

// secureFloat64 generates a cryptographically secure float64 between 0 and 1
func secureFloat64() float64 {
	// Generate a random 64-bit integer
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Fallback to time-based value if crypto/rand fails
		// This is extremely unlikely but provides a safety net
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}

	// Convert to float64 in range [0, 1)
	return float64(n.Uint64()) / float64(math.MaxUint64)
}
