package bus

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the breaker's current position.
type CircuitBreakerState int32

const (
	// CircuitBreakerClosed lets publishes through.
	CircuitBreakerClosed CircuitBreakerState = iota
	// CircuitBreakerOpen rejects publishes until the cooldown elapses.
	CircuitBreakerOpen
	// CircuitBreakerHalfOpen lets a probe through; its outcome decides.
	CircuitBreakerHalfOpen
)

// CircuitBreaker guards bus publishes so a dead bus fails fast instead of
// stalling every fanout in retry loops. Lock-free: all state is atomics.
type CircuitBreaker struct {
	threshold int32
	cooldown  time.Duration

	failures atomic.Int32
	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos
}

// NewCircuitBreaker opens after threshold consecutive failures and probes
// again after cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int32(threshold),
		cooldown:  cooldown,
	}
}

// State reports the current position, accounting for an elapsed cooldown.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	state := CircuitBreakerState(cb.state.Load())
	if state == CircuitBreakerOpen && cb.cooldownElapsed() {
		return CircuitBreakerHalfOpen
	}
	return state
}

// Allow reports whether a publish may proceed. In the open state it returns
// true once the cooldown has elapsed, transitioning to half-open.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if cb.cooldownElapsed() {
			cb.state.Store(int32(CircuitBreakerHalfOpen))
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// RecordFailure counts one failure; at the threshold, or on any failure in
// half-open, the breaker opens.
func (cb *CircuitBreaker) RecordFailure() {
	state := CircuitBreakerState(cb.state.Load())
	failures := cb.failures.Add(1)
	if state == CircuitBreakerHalfOpen || failures >= cb.threshold {
		cb.state.Store(int32(CircuitBreakerOpen))
		cb.openedAt.Store(time.Now().UnixNano())
	}
}

func (cb *CircuitBreaker) cooldownElapsed() bool {
	opened := time.Unix(0, cb.openedAt.Load())
	return time.Since(opened) >= cb.cooldown
}
