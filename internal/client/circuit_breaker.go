package client

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("client: circuit open")

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops forwarding to a failing prediction store and tries
// it again after a cool-down. It is safe for concurrent use; while half-open
// only one trial call is let through at a time.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	lastFailure time.Time
	trialing    bool

	now func() time.Time
}

// NewCircuitBreaker opens after maxFailures consecutive failures and allows
// a trial call once timeout has passed since the last failure.
func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
	breakerState.Set(float64(StateClosed))
	return cb
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			return false
		}
		cb.transition(StateHalfOpen)
	}
	if cb.trialing {
		return false
	}
	cb.trialing = true
	return true
}

// Success records a successful call and closes a half-open breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trialing = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// Failure records a failed call. A failed trial call reopens the breaker.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	cb.trialing = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	log.Info().Str("from", cb.state.String()).Str("to", to.String()).
		Int("failures", cb.failures).Msg("Circuit breaker state change")
	cb.state = to
	breakerState.Set(float64(to))
	breakerTransitions.WithLabelValues(to.String()).Inc()
}
