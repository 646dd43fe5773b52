package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by every rejection of an open or saturated breaker
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// State represents the circuit breaker state
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
	default:
		return "unknown"
	}
}

// CircuitBreakerError is returned instead of running the call while the
// breaker rejects calls.
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open after %d failures, retry in %v",
			e.Name, e.Failures, time.Until(e.NextRetry).Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s %s: probe limit reached", e.Name, e.State)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// StateChangeFunc is called after every transition, outside the lock
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenCalls   int
	lastFailureTime time.Time

	name             string
	failureThreshold int
	successThreshold int
	halfOpenRequests int
	timeout          time.Duration
	isFailure        func(error) bool
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open before probing
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent probes while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailurePredicate decides which errors count against the dependency.
// Errors it rejects are returned to the caller but treated as successes.
func WithFailurePredicate(isFailure func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = isFailure
	}
}

// WithStateChange registers a transition callback
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 1,
		halfOpenRequests: 1,
		timeout:          30 * time.Second,
		isFailure:        func(err error) bool { return err != nil },
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit rejects it. Context errors are not
// counted as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	failed := err != nil && ctx.Err() == nil && cb.isFailure(err)
	cb.record(failed)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.transition(func() { cb.failures = 0 }, StateClosed)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if cb.now().Before(nextRetry) {
			err := &CircuitBreakerError{Name: cb.name, State: StateOpen, Failures: cb.failures, NextRetry: nextRetry}
			cb.mu.Unlock()
			return err
		}
		from := cb.state
		cb.setState(StateHalfOpen)
		cb.halfOpenCalls = 1
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenRequests {
			err := &CircuitBreakerError{Name: cb.name, State: StateHalfOpen, Failures: cb.failures}
			cb.mu.Unlock()
			return err
		}
		cb.halfOpenCalls++
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	from := cb.state

	if failed {
		cb.failures++
		cb.lastFailureTime = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.setState(StateOpen)
		}
	} else {
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.halfOpenCalls > 0 {
				cb.halfOpenCalls--
			}
			if cb.successes >= cb.successThreshold {
				cb.failures = 0
				cb.setState(StateClosed)
			}
		case StateClosed:
			cb.failures = 0
		}
	}

	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(to State) {
	cb.state = to
	cb.successes = 0
	if to != StateHalfOpen {
		cb.halfOpenCalls = 0
	}
}

func (cb *CircuitBreaker) transition(update func(), to State) {
	cb.mu.Lock()
	from := cb.state
	update()
	cb.setState(to)
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
