package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of the circuit breaker
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half_open"
)

// CircuitBreaker stops hammering a failing event store. While open, writes
// fail fast and land in the dead letter queue.
type CircuitBreaker struct {
	threshold int
	timeout   time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	state     CircuitState
	failures  int
	nextRetry time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(threshold int, timeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
		state:     CircuitStateClosed,
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitStateOpen {
		if time.Now().Before(cb.nextRetry) {
			cb.mu.Unlock()
			return &CircuitBreakerError{State: CircuitStateOpen}
		}
		cb.state = CircuitStateHalfOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// a cancelled caller says nothing about the store's health
	if errors.Is(err, context.Canceled) {
		return err
	}

	if err != nil {
		cb.failures++
		if cb.state == CircuitStateHalfOpen || cb.failures >= cb.threshold {
			if cb.state != CircuitStateOpen {
				cb.logger.Warn("Circuit breaker opened",
					zap.Int("failures", cb.failures),
					zap.Int("threshold", cb.threshold),
				)
			}
			cb.state = CircuitStateOpen
			cb.nextRetry = time.Now().Add(cb.timeout)
		}
		return err
	}

	if cb.state != CircuitStateClosed {
		cb.logger.Info("Circuit breaker closed", zap.Int("previous_failures", cb.failures))
	}
	cb.state = CircuitStateClosed
	cb.failures = 0
	return nil
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerError is returned while the circuit is open
type CircuitBreakerError struct {
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return "circuit breaker " + string(e.State)
}
