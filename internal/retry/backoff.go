package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"fogsync/internal/clock"
	"fogsync/internal/constants"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	// MaxAttempts of zero retries until the context is cancelled.
	MaxAttempts int  `json:"max_attempts"`
	Jitter      bool `json:"jitter"`
}

// DefaultBackoffConfig returns the reconnect policy: unbounded attempts
// between DefaultReconnectMinMs and DefaultReconnectMaxMs.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: constants.DefaultReconnectMinMs * time.Millisecond,
		MaxDelay:     constants.DefaultReconnectMaxMs * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       true,
	}
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
	clock  clock.Clock
}

// NewBackoff creates a new exponential backoff instance. A nil clock uses
// the wall clock.
func NewBackoff(config BackoffConfig, clk clock.Clock) *Backoff {
	if clk == nil {
		clk = clock.Real()
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Backoff{
		config: config,
		clock:  clk,
	}
}

// Retry executes the operation with exponential backoff retry logic
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation with exponential backoff, using a predicate to determine if errors are retryable
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; b.config.MaxAttempts == 0 || attempt <= b.config.MaxAttempts; attempt++ {
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

		if !isRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == b.config.MaxAttempts {
			break
		}

		if err := b.Wait(ctx, attempt); err != nil {
			return err
		}
	}

	return lastErr
}

// Wait blocks for the delay of the given attempt or until ctx is done.
func (b *Backoff) Wait(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(b.calculateDelay(attempt)):
		return nil
	}
}

// calculateDelay computes the delay for the given attempt with exponential backoff and optional jitter
func (b *Backoff) calculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt && delay < float64(b.config.MaxDelay); i++ {
		delay *= b.config.Multiplier
	}

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// ±25%
	if b.config.Jitter {
		jitter := delay * 0.25
		delay += (secureFloat64() - 0.5) * 2 * jitter

		if delay < 0 {
			delay = float64(b.config.InitialDelay)
		}
		if delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// GetNextDelay returns the delay that would be used for the given attempt (for testing/monitoring)
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.calculateDelay(attempt)
}

// secureFloat64 generates a cryptographically secure float64 between 0 and 1
func secureFloat64() float64 {
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0.5
	}
	return float64(n.Uint64()) / float64(math.MaxUint64)
}
