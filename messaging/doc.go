// Package messaging defines the transport-facing contracts of the mmate
// request/response engine.
//
// This package contains:
//   - Producer / Consumer: generic publish and poll interfaces implemented by
//     the transports in transports/memory, transports/rabbitmq and transports/redis
//   - Transport: a factory for request and response producers and consumers
//   - Handler / HandlerFunc: the business logic invoked by a responder
//   - Middleware: composable wrappers around a Handler
//
// Example usage:
//
//	handler := messaging.Chain(
//		messaging.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
//			return bytes.ToUpper(payload), nil
//		}),
//		messaging.WithLogging(logger),
//		messaging.WithPayloadLimit(1<<20),
//	)
package messaging
