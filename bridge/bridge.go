package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-rpc/bridge"

// Bridge offers synchronous-looking request/response on top of an
// asynchronous request producer and response consumer. Each request gets a
// correlation ID, is tracked until exactly one of response, timeout or
// shutdown resolves it, and is bounded by the admission limit.
type Bridge struct {
	producer messaging.RequestProducer
	consumer messaging.ResponseConsumer
	config   *Config
	logger   *slog.Logger

	gate    *admissionGate
	table   *table
	pool    *workerPool
	metrics *bridgeMetrics
	tracer  trace.Tracer
	now     func() time.Time

	lifecycle lifecycle
}

// Stats is a point-in-time view of a Bridge
type Stats struct {
	State    State
	Pending  int
	Capacity int
}

// NewBridge creates a bridge publishing requests with producer and reading
// responses from consumer. The bridge does not own either; closing them is
// left to the caller.
func NewBridge(producer messaging.RequestProducer, consumer messaging.ResponseConsumer, opts ...Option) (*Bridge, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}

	config, err := newConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge configuration: %w", err)
	}

	logger := config.Logger.With("component", "bridge", "replyAddress", config.ReplyAddress)
	b := &Bridge{
		producer: producer,
		consumer: consumer,
		config:   config,
		logger:   logger,
		gate:     newAdmissionGate(config.MaxPendingRequests),
		table:    newTable(),
		pool:     newWorkerPool("bridge-callbacks", config.MaxCallbackWorkers, config.CallbackQueueSize, logger),
		tracer:   config.TracerProvider.Tracer(tracerName),
		now:      time.Now,
	}
	b.metrics = newBridgeMetrics(config.MeterProvider, logger, b.gate.pending)
	return b, nil
}

// Start launches the response listener and the timeout sweeper
func (b *Bridge) Start(ctx context.Context) error {
	err := b.lifecycle.start(ctx, b.pool.start, b.listenLoop, b.sweepLoop)
	if err != nil {
		return err
	}
	b.logger.Info("bridge started",
		"requestAddress", b.config.RequestAddress,
		"maxPendingRequests", b.config.MaxPendingRequests,
		"requestTimeout", b.config.RequestTimeout)
	return nil
}

// Stop refuses new requests, stops the background loops and resolves every
// pending request with ErrShuttingDown. Queued completion callbacks run
// before Stop returns.
func (b *Bridge) Stop() error {
	wasRunning := b.lifecycle.running()
	err := b.lifecycle.stop(func() {
		drained := b.table.drainAll()
		for _, entry := range drained {
			b.finish(context.Background(), entry, Result{Err: ErrShuttingDown}, outcomeShuttingDown)
		}
		b.pool.shutdown()
		if len(drained) > 0 {
			b.logger.Info("resolved pending requests on shutdown", "count", len(drained))
		}
	})
	if wasRunning {
		b.logger.Info("bridge stopped")
	}
	return err
}

// Send publishes payload as a new request and returns a future for its
// response. Failures, including rejection, are reported through the future.
// A timeout of zero or less selects the configured request timeout.
func (b *Bridge) Send(ctx context.Context, payload []byte, timeout time.Duration) *Future {
	if timeout <= 0 {
		timeout = b.config.RequestTimeout
	}

	switch b.lifecycle.current() {
	case StateRunning:
	case StateCreated:
		return failedFuture("", ErrNotStarted, b.pool, b.logger)
	default:
		b.metrics.recordOutcome(ctx, outcomeShuttingDown)
		return failedFuture("", ErrShuttingDown, b.pool, b.logger)
	}

	correlationID := uuid.New().String()
	if !b.gate.tryAdmit() {
		b.metrics.recordOutcome(ctx, outcomeOverCapacity)
		b.logger.Debug("request rejected", "correlationId", correlationID, "pending", b.gate.pending())
		return failedFuture(correlationID, ErrOverCapacity, b.pool, b.logger)
	}

	future := newFuture(correlationID, b.pool, b.logger)
	if _, err := b.table.insert(correlationID, b.now().Add(timeout), future); err != nil {
		b.gate.release()
		future.complete(Result{Err: err})
		return future
	}

	// Stop may have drained the table between the state check and insert
	if !b.lifecycle.running() {
		if entry, ok := b.table.remove(correlationID); ok {
			b.finish(ctx, entry, Result{Err: ErrShuttingDown}, outcomeShuttingDown)
		}
		return future
	}

	ctx, span := b.tracer.Start(ctx, "mmate.rpc.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.conversation_id", correlationID),
			attribute.String("messaging.destination.name", b.config.RequestAddress),
		))
	defer span.End()

	headers := make(map[string]string)
	b.config.Propagator.Inject(ctx, propagation.MapCarrier(headers))
	headers[contracts.HeaderRequestTime] = fmt.Sprintf("%d", time.Now().UnixMilli())
	envelope := contracts.NewRequestEnvelope(correlationID, b.config.ReplyAddress, payload, headers)

	if err := b.publish(ctx, envelope); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		b.logger.Warn("failed to publish request",
			"correlationId", correlationID,
			"requestAddress", b.config.RequestAddress,
			"error", err)
		if entry, ok := b.table.remove(correlationID); ok {
			b.finish(ctx, entry, Result{Err: &TransportError{
				Op:      "publish",
				Address: b.config.RequestAddress,
				Err:     err,
			}}, outcomeTransportFailure)
		}
	}
	return future
}

// Request sends payload and waits for the response payload
func (b *Bridge) Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	response, err := b.Send(ctx, payload, timeout).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return response.Payload, nil
}

// Stats returns the current state and load of the bridge
func (b *Bridge) Stats() Stats {
	return Stats{
		State:    b.lifecycle.current(),
		Pending:  b.table.len(),
		Capacity: int(b.gate.limit()),
	}
}

// ReplyAddress returns the address responses are expected on
func (b *Bridge) ReplyAddress() string {
	return b.config.ReplyAddress
}

// publish sends envelope through the optional circuit breaker and retry policy
func (b *Bridge) publish(ctx context.Context, envelope *contracts.RequestEnvelope) error {
	send := func(ctx context.Context) error {
		return b.producer.Publish(ctx, b.config.RequestAddress, envelope)
	}
	if b.config.RetryPolicy != nil {
		inner := send
		send = func(ctx context.Context) error {
			return reliability.Retry(ctx, b.config.RetryPolicy, inner)
		}
	}
	if b.config.CircuitBreaker != nil {
		return b.config.CircuitBreaker.Execute(ctx, send)
	}
	return send(ctx)
}

// finish releases the admission slot held by entry and completes its future.
// Callers must have removed entry from the table themselves.
func (b *Bridge) finish(ctx context.Context, entry *pendingEntry, result Result, outcome string) {
	b.gate.release()
	b.metrics.recordOutcome(ctx, outcome)
	if outcome == outcomeSuccess || outcome == outcomeHandlerFailure {
		b.metrics.recordLatency(ctx, outcome, time.Since(entry.sentAt))
	}
	entry.future.complete(result)
}
