package bridge

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glimte/mmate-rpc/bridge"

// Outcomes recorded on request and responder counters
const (
	outcomeSuccess          = "success"
	outcomeHandlerFailure   = "handler_failure"
	outcomeTimeout          = "timeout"
	outcomeOverCapacity     = "over_capacity"
	outcomeTransportFailure = "transport_failure"
	outcomeShuttingDown     = "shutting_down"
	outcomeExpired          = "expired"
	outcomeDuplicate        = "duplicate"
	outcomeHandlerTimeout   = "handler_timeout"
	outcomeHandlerPanic     = "handler_panic"
	outcomeInvalid          = "invalid"
)

type bridgeMetrics struct {
	requests   metric.Int64Counter
	late       metric.Int64Counter
	pollErrors metric.Int64Counter
	latency    metric.Float64Histogram
	pending    metric.Int64ObservableGauge
}

func newBridgeMetrics(provider metric.MeterProvider, logger *slog.Logger, observePending func() int64) *bridgeMetrics {
	meter := provider.Meter(meterName)
	m := &bridgeMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"mmate.rpc.requests",
		metric.WithDescription("Requests resolved, by outcome"),
	)
	logMetricInitError(logger, "mmate.rpc.requests", err)

	m.late, err = meter.Int64Counter(
		"mmate.rpc.responses.late",
		metric.WithDescription("Responses discarded because no request was pending"),
	)
	logMetricInitError(logger, "mmate.rpc.responses.late", err)

	m.pollErrors, err = meter.Int64Counter(
		"mmate.rpc.poll.errors",
		metric.WithDescription("Failed polls of the response consumer"),
	)
	logMetricInitError(logger, "mmate.rpc.poll.errors", err)

	m.latency, err = meter.Float64Histogram(
		"mmate.rpc.latency_ms",
		metric.WithDescription("Time from send to successful or failed response"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "mmate.rpc.latency_ms", err)

	m.pending, err = meter.Int64ObservableGauge(
		"mmate.rpc.pending",
		metric.WithDescription("Requests awaiting a response"),
	)
	logMetricInitError(logger, "mmate.rpc.pending", err)

	if m.pending != nil && observePending != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.pending, observePending())
			return nil
		}, m.pending); err != nil {
			logger.Warn("metric callback registration failed", "name", "mmate.rpc.pending", "error", err)
		}
	}

	return m
}

func (m *bridgeMetrics) recordOutcome(ctx context.Context, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *bridgeMetrics) recordLatency(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *bridgeMetrics) recordLate(ctx context.Context) {
	if m == nil || m.late == nil {
		return
	}
	m.late.Add(ctx, 1)
}

func (m *bridgeMetrics) recordPollError(ctx context.Context) {
	if m == nil || m.pollErrors == nil {
		return
	}
	m.pollErrors.Add(ctx, 1)
}

type responderMetrics struct {
	handled  metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

func newResponderMetrics(provider metric.MeterProvider, logger *slog.Logger) *responderMetrics {
	meter := provider.Meter(meterName)
	m := &responderMetrics{}
	var err error

	m.handled, err = meter.Int64Counter(
		"mmate.rpc.responder.handled",
		metric.WithDescription("Requests processed by the responder, by outcome"),
	)
	logMetricInitError(logger, "mmate.rpc.responder.handled", err)

	m.inFlight, err = meter.Int64UpDownCounter(
		"mmate.rpc.responder.in_flight",
		metric.WithDescription("Handler invocations in progress"),
	)
	logMetricInitError(logger, "mmate.rpc.responder.in_flight", err)

	return m
}

func (m *responderMetrics) recordHandled(ctx context.Context, outcome string) {
	if m == nil || m.handled == nil {
		return
	}
	m.handled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *responderMetrics) addInFlight(ctx context.Context, delta int64) {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.Add(ctx, delta)
}

func logMetricInitError(logger *slog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metric init failed", "name", name, "error", err)
}
