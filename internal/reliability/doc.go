// Package reliability guards calls to a message broker.
//
//   - CircuitBreaker: stops calling a dependency after consecutive failures
//     and probes it again after a cool-down
//   - RetryPolicy: ExponentialBackoff and FixedDelay strategies used by Retry
//   - Permanent: marks errors that Retry must not repeat
//
// Example usage:
//
//	cb := reliability.NewCircuitBreaker(
//		reliability.WithFailureThreshold(5),
//		reliability.WithOpenTimeout(10*time.Second),
//	)
//	policy := reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 3)
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//		return reliability.Retry(ctx, policy, publish)
//	})
package reliability
