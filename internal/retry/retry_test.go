package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 2, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "k", func(ctx context.Context, attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 2, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "order-1", func(ctx context.Context, attempt int) error {
		calls++
		return errFlaky
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, "order-1", ex.Key)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	fatal := errors.New("rejected")
	p := Policy{
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		Retryable:  func(err error) bool { return errors.Is(err, errFlaky) },
	}
	calls := 0
	err := p.Do(context.Background(), "k", func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	})
	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 2, Backoff: time.Hour}
	err := p.Do(ctx, "k", func(ctx context.Context, attempt int) error {
		cancel()
		return errFlaky
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
