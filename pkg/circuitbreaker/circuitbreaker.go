package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Circuit is open, requests fail immediately
	StateHalfOpen              // Testing if service recovered, limited requests allowed
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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // Number of failures before opening circuit
	SuccessThreshold    int           // Number of successes in half-open state to close circuit
	Timeout             time.Duration // Time to wait before transitioning from open to half-open
	MaxRequestsHalfOpen int           // Max requests allowed in half-open state
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

// New creates a new circuit breaker with the given configuration
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange sets a callback invoked when the breaker changes state
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute executes a function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return fmt.Errorf("circuit breaker is %s, request rejected", cb.GetState())
	}

	err := fn()
	if err != nil {
		cb.onFailure()
		return fmt.Errorf("circuit breaker execution failed: %w", err)
	}

	cb.onSuccess()
	return nil
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if cb.state == StateOpen {
		if now.Sub(cb.stateChangeTime) >= cb.config.Timeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			return false
		}
		cb.halfOpenRequests++
		return true
	}

	return true
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(state State) {
	if cb.state == state {
		return
	}

	from := cb.state
	cb.state = state
	cb.stateChangeTime = time.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	if cb.onStateChange != nil {
		cb.onStateChange(from, state)
	}
}
