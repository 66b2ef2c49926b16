// Package bridge provides synchronous request/response over asynchronous,
// at-least-once message queues.
//
// The caller side is a Bridge. Send assigns a correlation ID, admits the
// request against a fixed bound, records it in a sharded correlation table and
// publishes it. A background listener matches responses to pending requests
// and a sweeper fails requests whose deadline has passed. Every request
// resolves exactly once, with one of:
//   - the response payload
//   - a *HandlerError carrying the remote failure detail
//   - ErrTimeout, ErrOverCapacity or ErrShuttingDown
//   - a *TransportError when publishing failed
//
// The serving side is a Responder: it polls requests, runs a
// messaging.Handler on a bounded worker pool and publishes the outcome to the
// request's reply address.
//
// Basic usage:
//
//	b, err := bridge.NewBridge(requests, responses,
//		bridge.WithMaxPendingRequests(1000),
//		bridge.WithRequestTimeout(5*time.Second),
//	)
//	if err != nil {
//		return err
//	}
//	if err := b.Start(ctx); err != nil {
//		return err
//	}
//	defer b.Stop()
//
//	payload, err := b.Request(ctx, []byte("ping"), 0)
//
// Send returns a Future for callers that prefer to wait asynchronously or
// register completion callbacks.
package bridge
