package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
)

// Result is the outcome of a request. Exactly one of Response or Err is set.
type Result struct {
	Response *contracts.ResponseEnvelope
	Err      error
}

// Payload returns the response payload, or nil on failure
func (r Result) Payload() []byte {
	if r.Response == nil {
		return nil
	}
	return r.Response.Payload
}

// Future is a write-once slot holding the result of a request
type Future struct {
	correlationID string
	exec          executor
	logger        *slog.Logger
	done          chan struct{}

	mu        sync.Mutex
	completed bool
	result    Result
	callbacks []func(Result)
}

func newFuture(correlationID string, exec executor, logger *slog.Logger) *Future {
	if logger == nil {
		logger = slog.Default()
	}
	return &Future{
		correlationID: correlationID,
		exec:          exec,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

func failedFuture(correlationID string, err error, exec executor, logger *slog.Logger) *Future {
	f := newFuture(correlationID, exec, logger)
	f.complete(Result{Err: err})
	return f
}

// CorrelationID returns the identity of the request. It is empty for
// requests rejected before an identity was assigned.
func (f *Future) CorrelationID() string {
	return f.correlationID
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx ends. Abandoning the wait
// does not cancel the request: it still resolves by response, timeout or
// shutdown.
func (f *Future) Wait(ctx context.Context) (*contracts.ResponseEnvelope, error) {
	select {
	case <-f.done:
		return f.result.Response, f.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome if the future has completed
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// OnComplete registers fn to run on the callback workers once the future
// completes. A panic in fn is recovered and logged.
func (f *Future) OnComplete(fn func(Result)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	result := f.result
	f.mu.Unlock()
	f.schedule(fn, result)
}

// complete stores r and wakes observers. Only the first call has an effect.
func (f *Future) complete(r Result) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.result = r
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		f.schedule(fn, r)
	}
	return true
}

func (f *Future) schedule(fn func(Result), r Result) {
	dispatch(f.exec, f.logger, func() {
		defer func() {
			if p := recover(); p != nil {
				f.logger.Error("completion callback panicked",
					"correlationId", f.correlationID,
					"panic", p)
			}
		}()
		fn(r)
	})
}
