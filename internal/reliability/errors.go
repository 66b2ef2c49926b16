package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned when the breaker refuses a call
type CircuitBreakerError struct {
	Name                string
	State               State
	ConsecutiveFailures int
	NextProbe           time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open after %d failures, next probe in %v",
			e.Name, e.ConsecutiveFailures, time.Until(e.NextProbe).Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s %s: probe limit reached", e.Name, e.State)
}

// Is reports ErrCircuitOpen as a match
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsRetryable reports false: retrying into an open circuit only adds load
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}

// RetryError reports an operation that kept failing until the policy gave up
type RetryError struct {
	Attempts  int
	Duration  time.Duration
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("gave up after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// permanentError marks an error that must not be retried
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrNonRetryable
}

// Permanent wraps err so that Retry returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err may succeed if attempted again
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
