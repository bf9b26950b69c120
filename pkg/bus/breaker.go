package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails calls to a backend fast after threshold consecutive
// transport failures, until cooldown has elapsed. After the cooldown a single
// trial call is let through (half-open); its outcome closes or re-opens the
// breaker. A trial that never reports back is replaced after another cooldown.
type CircuitBreaker struct {
	threshold int64
	cooldown  time.Duration

	failures atomic.Int64

	mu       sync.Mutex
	state    CircuitBreakerState
	openedAt time.Time
	trialAt  time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: int64(threshold), cooldown: cooldown}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	switch cb.state {
	case CircuitBreakerOpen:
		if now.Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = CircuitBreakerHalfOpen
		cb.trialAt = now
		return true
	case CircuitBreakerHalfOpen:
		if now.Sub(cb.trialAt) < cb.cooldown {
			return false
		}
		cb.trialAt = now
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.mu.Lock()
	cb.state = CircuitBreakerClosed
	cb.mu.Unlock()
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// immediately when half-open.
func (cb *CircuitBreaker) RecordFailure() {
	n := cb.failures.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitBreakerHalfOpen || n >= cb.threshold {
		cb.state = CircuitBreakerOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
