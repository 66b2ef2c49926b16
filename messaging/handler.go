package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Handler processes a request payload and returns the response payload
type Handler interface {
	Handle(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Middleware wraps a Handler with cross-cutting behaviour
type Middleware func(next Handler) Handler

// Chain applies middlewares so that the first one is outermost
func Chain(handler Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// WithLogging logs every handler invocation at debug level and failures at warn
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			out, err := next.Handle(ctx, payload)
			if err != nil {
				logger.Warn("handler failed",
					"duration", time.Since(start),
					"payloadSize", len(payload),
					"error", err)
				return out, err
			}
			logger.Debug("handler completed",
				"duration", time.Since(start),
				"payloadSize", len(payload),
				"responseSize", len(out))
			return out, nil
		})
	}
}

// WithPayloadLimit rejects payloads larger than max bytes
func WithPayloadLimit(max int) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
			if max > 0 && len(payload) > max {
				return nil, fmt.Errorf("payload of %d bytes exceeds limit of %d", len(payload), max)
			}
			return next.Handle(ctx, payload)
		})
	}
}
