package reliability

import (
	"context"
	"errors"
	"log/slog"
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

// StateChangeFunc is called after the breaker changes state
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker stops calling a failing dependency after a run of
// consecutive failures and probes it again once the open timeout elapses.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	isFailure        func(error) bool
	onStateChange    StateChangeFunc
	logger           *slog.Logger
	now              func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenSuccess  int
	halfOpenInFlight int
	openedAt         time.Time
	counts           Counts
}

// Counts are cumulative breaker statistics
type Counts struct {
	Requests  int64
	Failures  int64
	Successes int64
	Rejected  int64
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	Counts              Counts
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

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests sets how many probes may run concurrently when half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the breaker name used in logs and errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailurePredicate decides which errors count against the breaker
func WithFailurePredicate(isFailure func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = isFailure
	}
}

// WithStateChange registers fn to observe state transitions
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 1,
		isFailure:        defaultIsFailure,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker statistics
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFails,
		OpenedAt:            cb.openedAt,
		Counts:              cb.counts,
	}
}

// Reset closes the circuit and clears the failure run
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.counts.Requests++

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.openTimeout {
			cb.counts.Rejected++
			return cb.rejection()
		}
		cb.transition(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.halfOpenRequests {
			cb.counts.Rejected++
			return cb.rejection()
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil && cb.isFailure(err) {
		cb.counts.Failures++
		cb.consecutiveFails++
		switch cb.state {
		case StateClosed:
			if cb.consecutiveFails >= cb.failureThreshold {
				cb.transition(StateOpen)
			}
		case StateHalfOpen:
			cb.transition(StateOpen)
		}
		return
	}

	cb.counts.Successes++
	cb.consecutiveFails = 0
	if cb.state == StateHalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.successThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.halfOpenSuccess = 0
	cb.halfOpenInFlight = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.consecutiveFails = 0
	}
	if from == to {
		return
	}

	cb.logger.Info("circuit breaker state changed",
		"breaker", cb.name,
		"from", from.String(),
		"to", to.String())
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	}
}

// rejection must be called with mu held
func (cb *CircuitBreaker) rejection() error {
	return &CircuitBreakerError{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFails,
		NextProbe:           cb.openedAt.Add(cb.openTimeout),
	}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}
