package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Responder serves requests: it polls the request address, runs the handler
// for each request and publishes the outcome to the request's reply address.
// Requests already older than the request timeout are dropped, as are
// redeliveries of a correlation ID seen within the request timeout.
type Responder struct {
	consumer messaging.RequestConsumer
	producer messaging.ResponseProducer
	handler  messaging.Handler
	config   *Config
	logger   *slog.Logger

	pool     *workerPool
	limit    int64
	seen     *ttlcache.Cache[string, struct{}]
	inFlight atomic.Int64
	metrics  *responderMetrics
	tracer   trace.Tracer
	now      func() time.Time

	lifecycle lifecycle
}

// NewResponder creates a responder reading requests from consumer and
// publishing responses with producer. The responder does not own either.
func NewResponder(consumer messaging.RequestConsumer, producer messaging.ResponseProducer, handler messaging.Handler, opts ...Option) (*Responder, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	config, err := newConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid responder configuration: %w", err)
	}

	logger := config.Logger.With("component", "responder", "requestAddress", config.RequestAddress)
	pool := newWorkerPool("responder-handlers", config.MaxCallbackWorkers, config.CallbackQueueSize, logger)
	return &Responder{
		consumer: consumer,
		producer: producer,
		handler:  handler,
		config:   config,
		logger:   logger,
		pool:     pool,
		limit:    int64(min(config.MaxPendingRequests, pool.capacity())),
		seen: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](config.RequestTimeout),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		metrics: newResponderMetrics(config.MeterProvider, logger),
		tracer:  config.TracerProvider.Tracer(tracerName),
		now:     time.Now,
	}, nil
}

// Start launches the request polling loop
func (r *Responder) Start(ctx context.Context) error {
	onStart := func() {
		r.pool.start()
		go r.seen.Start()
	}
	if err := r.lifecycle.start(ctx, onStart, r.pollLoop); err != nil {
		return err
	}
	r.logger.Info("responder started",
		"maxPendingRequests", r.config.MaxPendingRequests,
		"requestTimeout", r.config.RequestTimeout)
	return nil
}

// Stop ends polling and waits for in-flight handlers to finish
func (r *Responder) Stop() error {
	wasRunning := r.lifecycle.running()
	err := r.lifecycle.stop(func() {
		r.pool.shutdown()
		r.seen.Stop()
	})
	if wasRunning {
		r.logger.Info("responder stopped")
	}
	return err
}

// InFlight returns the number of handler invocations in progress
func (r *Responder) InFlight() int64 {
	return r.inFlight.Load()
}

// State returns the lifecycle state
func (r *Responder) State() State {
	return r.lifecycle.current()
}

func (r *Responder) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Leave requests on the broker while the handler pool is saturated
		if r.inFlight.Load() >= r.limit {
			if !sleepContext(ctx, r.config.PollInterval) {
				return nil
			}
			continue
		}

		requests, err := r.consumer.Poll(ctx, r.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("failed to poll requests", "error", err)
			if !sleepContext(ctx, r.config.PollInterval) {
				return nil
			}
			continue
		}

		for _, request := range requests {
			r.accept(ctx, request)
		}
	}
}

// accept filters request and hands it to a handler worker
func (r *Responder) accept(ctx context.Context, request *contracts.RequestEnvelope) {
	if err := request.Validate(); err != nil {
		r.metrics.recordHandled(ctx, outcomeInvalid)
		r.logger.Warn("dropping malformed request", "error", err)
		return
	}

	if request.Expired(r.now(), r.config.RequestTimeout) {
		r.metrics.recordHandled(ctx, outcomeExpired)
		r.logger.Debug("dropping expired request",
			"correlationId", request.CorrelationID,
			"sentAt", request.SentAt)
		return
	}

	if r.seen.Has(request.CorrelationID) {
		r.metrics.recordHandled(ctx, outcomeDuplicate)
		r.logger.Debug("dropping duplicate request", "correlationId", request.CorrelationID)
		return
	}
	r.seen.Set(request.CorrelationID, struct{}{}, ttlcache.DefaultTTL)

	r.inFlight.Add(1)
	r.metrics.addInFlight(ctx, 1)
	base := context.WithoutCancel(ctx)
	dispatch(r.pool, r.logger, func() {
		defer func() {
			r.inFlight.Add(-1)
			r.metrics.addInFlight(base, -1)
		}()
		r.serve(base, request)
	})
}

type handlerOutcome struct {
	payload []byte
	err     error
	panic   any
}

// serve runs the handler for request and publishes its outcome
func (r *Responder) serve(base context.Context, request *contracts.RequestEnvelope) {
	ctx := r.config.Propagator.Extract(base, propagation.MapCarrier(request.Headers))
	ctx, span := r.tracer.Start(ctx, "mmate.rpc.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.conversation_id", request.CorrelationID)))
	defer span.End()

	handlerCtx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{panic: p}
			}
		}()
		payload, err := r.handler.Handle(handlerCtx, request.Payload)
		done <- handlerOutcome{payload: payload, err: err}
	}()

	var response *contracts.ResponseEnvelope
	select {
	case <-handlerCtx.Done():
		r.handlerTimedOut(ctx, span, request)
		return
	case out := <-done:
		switch {
		case out.panic != nil:
			r.metrics.recordHandled(ctx, outcomeHandlerPanic)
			r.logger.Error("handler panicked",
				"correlationId", request.CorrelationID,
				"panic", out.panic)
			span.SetStatus(codes.Error, "handler panicked")
			response = contracts.NewErrorResponse(request, contracts.ErrorCodeHandlerPanic, fmt.Sprint(out.panic))
		case out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && handlerCtx.Err() != nil:
			r.handlerTimedOut(ctx, span, request)
			return
		case out.err != nil:
			r.metrics.recordHandled(ctx, outcomeHandlerFailure)
			r.logger.Warn("handler failed",
				"correlationId", request.CorrelationID,
				"error", out.err)
			span.RecordError(out.err)
			span.SetStatus(codes.Error, "handler failed")
			response = contracts.NewErrorResponse(request, contracts.ErrorCodeHandlerFailure, out.err.Error())
		default:
			r.metrics.recordHandled(ctx, outcomeSuccess)
			response = contracts.NewResponse(request, out.payload)
		}
	}

	publishCtx, cancelPublish := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancelPublish()
	if err := r.producer.Publish(publishCtx, request.ReplyTo, response); err != nil {
		r.metrics.recordHandled(ctx, outcomeTransportFailure)
		span.RecordError(err)
		r.logger.Error("failed to publish response",
			"correlationId", request.CorrelationID,
			"replyTo", request.ReplyTo,
			"error", err)
	}
}

// handlerTimedOut records a handler that outlived the request timeout. No
// response is sent; the caller resolves the request by its own timeout.
func (r *Responder) handlerTimedOut(ctx context.Context, span trace.Span, request *contracts.RequestEnvelope) {
	r.metrics.recordHandled(ctx, outcomeHandlerTimeout)
	span.SetStatus(codes.Error, "handler timed out")
	r.logger.Warn("handler timed out, no response sent",
		"correlationId", request.CorrelationID,
		"timeout", r.config.RequestTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
