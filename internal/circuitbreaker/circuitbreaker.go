// Package circuitbreaker stops calling an RPC node after repeated failures
// and probes it again once a cool-down has passed.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the state of a circuit breaker.
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

// Config tunes a CircuitBreaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before allowing a probe
	OpenTimeout time.Duration
}

// DefaultConfig returns the configuration used for chain readers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Stats is a snapshot of a breaker.
type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	now    func() time.Time

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// New creates a closed breaker.
func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// Allow reports whether a call may go through. An open breaker whose timeout
// has elapsed moves to half-open and lets calls probe the node.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.OpenTimeout {
			cb.state = StateHalfOpen
			cb.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++
	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.state = StateClosed
	}
}

// RecordFailure records a failed call, opening the circuit at the threshold.
// Any failure while half-open re-opens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		OpenedAt:             cb.openedAt,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.openedAt = time.Time{}
}
