package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

var errBusy = errors.New("database is locked")

func TestDoRetriesRetryableErrors(t *testing.T) {
	cfg := Config{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2,
		RetryableErrors: []error{errBusy},
		Logger:          zaptest.NewLogger(t),
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.RetryableErrors = []error{errBusy}

	fatal := errors.New("no such table: users")
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoWithResultHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DoWithResult(ctx, DefaultConfig(), func() (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoUsesPredicate(t *testing.T) {
	cfg := Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Operation:    "list_users",
		ShouldRetry:  func(err error) bool { return err.Error() == "SQLITE_BUSY" },
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})

	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 50*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, cfg.Backoff(5))
	assert.Equal(t, time.Second, cfg.Backoff(6))
}

func TestJitterStaysInBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second, 0.1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
	assert.Equal(t, time.Second, jitter(time.Second, 0))
}
