package reqflow

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" validate:"gte=0"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"gte=0"`
}

// CircuitBreaker guards the transport against a failing upstream. It is
// lock-free; state transitions use compare-and-swap.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       atomic.Int64
	failures    atomic.Int64
	successes   atomic.Int64
	lastFailure atomic.Int64

	onChange func(CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Name == "" {
		config.Name = "default"
	}

	cb := &CircuitBreaker{config: config}
	cb.state.Store(int64(StateClosed))
	return cb
}

// Name returns the breaker name used in metrics.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow checks if the request should be allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Now().UnixNano()-cb.lastFailure.Load() < int64(cb.config.RecoveryTimeout) {
			return false
		}
		if cb.transition(StateOpen, StateHalfOpen) {
			cb.successes.Store(0)
			return true
		}
		return cb.State() != StateOpen
	default:
		return false
	}
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailure.Store(time.Now().UnixNano())

	switch cb.State() {
	case StateClosed:
		if cb.failures.Add(1) >= int64(cb.config.FailureThreshold) {
			cb.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		cb.failures.Add(1)
		cb.successes.Store(0)
		cb.transition(StateHalfOpen, StateOpen)
	}
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		if cb.successes.Add(1) >= int64(cb.config.SuccessThreshold) {
			if cb.transition(StateHalfOpen, StateClosed) {
				cb.failures.Store(0)
				cb.successes.Store(0)
			}
		}
	}
}

func (cb *CircuitBreaker) transition(from, to CircuitState) bool {
	if !cb.state.CompareAndSwap(int64(from), int64(to)) {
		return false
	}
	if cb.onChange != nil {
		cb.onChange(to)
	}
	return true
}
