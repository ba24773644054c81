// Package retry provides the single bounded-retry wrapper shared by the
// execution adapter and the market data gateway.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	Logger    *zap.Logger
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs op until it succeeds, returns a non-retryable error, the context
// ends, or MaxRetries retries have been spent. The wait before retry n is
// n*Backoff. key identifies the operation in logs, typically the idempotency
// key of the request being retried.
func (p Policy) Do(ctx context.Context, key string, op func(ctx context.Context, attempt int) error) error {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var err error
	attempts := 0
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * p.Backoff
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: %w (last error: %v)", key, ctx.Err(), err)
			case <-timer.C:
			}
		}

		attempts++
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt < p.MaxRetries {
			log.Warn("retrying_operation",
				zap.String("key", key),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}
	return &ExhaustedError{Key: key, Attempts: attempts, Err: err}
}
