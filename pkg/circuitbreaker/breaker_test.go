package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time            { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errDisk = errors.New("disk I/O error")

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("store", Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		Logger:           zaptest.NewLogger(t),
	})

	failing := func() error { return errDisk }

	assert.Error(t, cb.Execute(context.Background(), failing))
	assert.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := NewCircuitBreaker("classifier", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func() error { return errors.New("timeout") })
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("sqlite", Config{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		Now:              clock.Now,
	})

	_ = cb.Execute(context.Background(), func() error { return errDisk })
	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(context.Background(), func() error { return errDisk })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerIgnoresNonFailures(t *testing.T) {
	errNotFound := errors.New("not found")
	cb := NewCircuitBreaker("sqlite", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, errNotFound) },
	})

	assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return errNotFound }), errNotFound)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestCircuitBreakerSkipsDoneContext(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, cb.Counts().Requests)
}

func TestCircuitBreakerIntervalResetsCounts(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 3,
		Interval:         time.Minute,
		Now:              clock.Now,
	})

	_ = cb.Execute(context.Background(), func() error { return errDisk })
	_ = cb.Execute(context.Background(), func() error { return errDisk })
	clock.Advance(time.Minute)
	_ = cb.Execute(context.Background(), func() error { return errDisk })

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestExecuteWithResult(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{})
	n, err := ExecuteWithResult(context.Background(), cb, func() (int, error) { return 42, nil })
	assert.NoError(t, err)
	assert.Equal(t, 42, n)
}
