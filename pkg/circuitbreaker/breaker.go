package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// MaxRequests is the number of probes let through while half-open.
	MaxRequests uint32
	// Interval resets the closed-state tallies periodically. Zero never resets.
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	// IsFailure decides which errors count against the breaker. Defaults to
	// any error except context cancellation.
	IsFailure     func(error) bool
	OnStateChange func(name string, from State, to State)
	Now           func() time.Time
	Logger        *zap.Logger
}

// Counts holds the request tallies since the last state change or reset.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker stops calling a failing dependency for Timeout after
// FailureThreshold consecutive failures, then lets MaxRequests probes through.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	counts    Counts
	changedAt time.Time
	resetAt   time.Time
	inFlight  uint32
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cb := &CircuitBreaker{name: name, cfg: cfg}
	now := cfg.Now()
	cb.changedAt = now
	cb.scheduleReset(now)
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker rejects the call. A context that is
// already done is returned without touching the tallies.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			cb.record(false)
		}
	}()

	err := fn()
	completed = true
	cb.record(!cb.cfg.IsFailure(err))
	return err
}

// ExecuteWithResult is Execute for operations that produce a value.
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(cb.cfg.Now())
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(cb.cfg.Now())
	switch cb.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.MaxRequests {
			return ErrTooManyRequests
		}
		cb.inFlight++
	}
	cb.counts.Requests++
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if success {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen, now)
	case cb.state == StateClosed && cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold:
		cb.transition(StateOpen, now)
	}
}

// refresh applies time-based changes: open -> half-open after Timeout and the
// periodic closed-state reset. Caller holds mu.
func (cb *CircuitBreaker) refresh(now time.Time) {
	switch cb.state {
	case StateOpen:
		if !now.Before(cb.changedAt.Add(cb.cfg.Timeout)) {
			cb.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if !cb.resetAt.IsZero() && !now.Before(cb.resetAt) {
			cb.counts = Counts{}
			cb.scheduleReset(now)
		}
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}

	failures := cb.counts.ConsecutiveFailures
	cb.state = to
	cb.changedAt = now
	cb.counts = Counts{}
	cb.inFlight = 0
	cb.scheduleReset(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	if cb.cfg.Logger != nil {
		cb.cfg.Logger.Info("Circuit breaker state changed",
			zap.String("name", cb.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Uint32("failures", failures),
		)
	}
}

func (cb *CircuitBreaker) scheduleReset(now time.Time) {
	if cb.state == StateClosed && cb.cfg.Interval > 0 {
		cb.resetAt = now.Add(cb.cfg.Interval)
		return
	}
	cb.resetAt = time.Time{}
}
