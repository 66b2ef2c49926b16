package reliability

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is retried
type RetryPolicy interface {
	// ShouldRetry is called after the failed attempt numbered attempt
	// (starting at 0) and returns whether to retry and the delay before it
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// ExponentialBackoff retries with a delay that grows by Multiplier per attempt
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
	Jitter          float64
}

// NewExponentialBackoff creates an exponential policy with 20% jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxRetries:      maxRetries,
		Jitter:          0.2,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxRetries || !IsRetryable(err) {
		return false, 0
	}
	return true, e.Delay(attempt)
}

// Delay returns the wait after the given attempt
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if max := float64(e.MaxInterval); e.MaxInterval > 0 && delay > max {
		delay = max
	}
	if e.Jitter > 0 {
		delay += delay * e.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

// FixedDelay retries after the same delay every time
type FixedDelay struct {
	Interval   time.Duration
	MaxRetries int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(interval time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Interval:   interval,
		MaxRetries: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxRetries || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Interval
}

// Retry calls fn until it succeeds, ctx ends or policy gives up. Exhaustion
// after more than one attempt is reported as a *RetryError wrapping the last
// failure.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			if attempt == 0 {
				return err
			}
			return &RetryError{
				Attempts:  attempt + 1,
				Duration:  time.Since(start),
				LastError: err,
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
