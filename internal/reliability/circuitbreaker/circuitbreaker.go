package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker fast-fails backend calls while the hosted service keeps
// failing, so the UI gets an immediate NetworkError instead of a hung
// request. After the cool-down a probe request is let through.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	onStateChange    func(from, to State)
}

// New creates a circuit breaker that opens after failureThreshold
// consecutive failures and closes again after successThreshold successful
// probes once the cooldown has elapsed.
func New(failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// OnStateChange registers a callback for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a request may proceed right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	default:
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.transition(StateHalfOpen)
			cb.failureCount = 0
			cb.successCount = 0
			return true
		}
		return false
	}
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

// RecordFailure notes a failed call and may trip the breaker open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(StateOpen)
			cb.failureCount = 0
		}
	case StateHalfOpen:
		// A failed probe re-opens immediately.
		cb.transition(StateOpen)
		cb.successCount = 0
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
