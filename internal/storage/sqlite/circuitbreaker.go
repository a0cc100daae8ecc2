package sqlite

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the breaker's position: closed passes calls through,
// open rejects them, half-open lets a single probe decide.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen reports a call rejected without touching the database.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker shields the store from hammering a database that keeps
// failing. After threshold consecutive failures it opens; once the reset
// timeout passes, exactly one probe runs and its outcome picks the next
// state.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// Execute runs fn unless the breaker is open and the reset timeout has not
// elapsed, in which case fn never runs and ErrCircuitOpen comes back.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether the next call may proceed, and whether it counts
// as the half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		return true, nil
	default:
		// A probe is already in flight; one per reset cycle.
		return false, ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		if err != nil {
			cb.state = StateOpen
			cb.lastFailure = cb.nowFunc()
		} else {
			cb.state = StateClosed
			cb.failures = 0
		}
		return
	}

	if err != nil {
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
			cb.lastFailure = cb.nowFunc()
		}
		return
	}
	cb.failures = 0
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
