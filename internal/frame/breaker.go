package frame

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// errCircuitOpen is returned by CircuitBreaker.Call while reads are blocked.
var errCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the current state of the circuit breaker.
type CircuitState int32

const (
	// CircuitClosed indicates normal operation with successful device reads.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates too many failures occurred, blocking reads.
	CircuitOpen
	// CircuitHalfOpen indicates a trial read is allowed to test recovery.
	CircuitHalfOpen
)

// String returns a string representation of the CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards capture device reads. After maxFailures consecutive
// failures it opens and rejects calls until timeout has elapsed, then lets
// trial calls through until recoveryThreshold of them succeed.
type CircuitBreaker struct {
	state           atomic.Int32
	failureCount    atomic.Int64
	lastFailureTime atomic.Int64
	successCount    atomic.Int64

	maxFailures       int64
	timeout           time.Duration
	recoveryThreshold int64
	logger            *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the specified configuration.
func NewCircuitBreaker(maxFailures int64, timeout time.Duration, recoveryThreshold int64, logger *slog.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:       maxFailures,
		timeout:           timeout,
		recoveryThreshold: recoveryThreshold,
		logger:            logger,
		now:               time.Now,
	}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// Call executes fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if CircuitState(cb.state.Load()) == CircuitOpen {
		lastFailure := time.Unix(0, cb.lastFailureTime.Load())
		elapsed := cb.now().Sub(lastFailure)
		if elapsed <= cb.timeout {
			return fmt.Errorf("%w, last failure %v ago", errCircuitOpen, elapsed)
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.successCount.Store(0)
			cb.logger.Info("circuit breaker state transition",
				"from", CircuitOpen,
				"to", CircuitHalfOpen,
				"timeout_elapsed", elapsed)
		}
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailureTime.Store(cb.now().UnixNano())
	failures := cb.failureCount.Add(1)
	current := CircuitState(cb.state.Load())

	switch {
	case current == CircuitHalfOpen:
		cb.state.Store(int32(CircuitOpen))
		cb.successCount.Store(0)
		cb.logger.Warn("circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitOpen,
			"reason", "failure_during_recovery")
	case failures >= cb.maxFailures && current != CircuitOpen:
		cb.state.Store(int32(CircuitOpen))
		cb.logger.Warn("circuit breaker state transition",
			"from", current,
			"to", CircuitOpen,
			"failure_count", failures,
			"max_failures", cb.maxFailures)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount.Store(0)
	if CircuitState(cb.state.Load()) != CircuitHalfOpen {
		return
	}
	successes := cb.successCount.Add(1)
	if successes >= cb.recoveryThreshold &&
		cb.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		cb.logger.Info("circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitClosed,
			"success_count", successes)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Reset forces the breaker closed. Called after a successful reconnect.
func (cb *CircuitBreaker) Reset() {
	old := CircuitState(cb.state.Swap(int32(CircuitClosed)))
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	if old != CircuitClosed {
		cb.logger.Info("circuit breaker reset", "previous_state", old)
	}
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int64 {
	return cb.failureCount.Load()
}

// LastFailure returns the time of the last failure, or the zero time.
func (cb *CircuitBreaker) LastFailure() time.Time {
	nanos := cb.lastFailureTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
