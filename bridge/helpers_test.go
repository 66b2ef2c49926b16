package bridge

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	testRequestAddress = "test.requests"
	testReplyAddress   = "test.reply"
)

type testEnv struct {
	transport *memory.Transport
	reader    *sdkmetric.ManualReader
	provider  *sdkmetric.MeterProvider
	bridge    *Bridge
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func baseOptions(provider *sdkmetric.MeterProvider) []Option {
	return []Option{
		WithRequestAddress(testRequestAddress),
		WithReplyAddress(testReplyAddress),
		WithMeterProvider(provider),
		WithLogger(testLogger()),
		WithPollInterval(2 * time.Millisecond),
	}
}

// newTestEnv builds a bridge on an in-memory transport. The bridge is not
// started.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	transport := memory.NewTransport()

	b, err := NewBridge(
		transport.Requests.Producer(""),
		transport.Responses.Consumer(testReplyAddress),
		append(baseOptions(provider), opts...)...,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })

	return &testEnv{
		transport: transport,
		reader:    reader,
		provider:  provider,
		bridge:    b,
	}
}

func (e *testEnv) start(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, e.bridge.Start(context.Background()))
	return e
}

// serve runs a Responder for handler on the environment's transport
func (e *testEnv) serve(t *testing.T, handler messaging.Handler, opts ...Option) *Responder {
	t.Helper()
	r, err := NewResponder(
		e.transport.Requests.Consumer(testRequestAddress),
		e.transport.Responses.Producer(""),
		handler,
		append(baseOptions(e.provider), opts...)...,
	)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

// counter sums the data points of an int64 sum instrument, optionally
// filtered by outcome
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if outcome != "" {
					v, ok := dp.Attributes.Value("outcome")
					if !ok || v.AsString() != outcome {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// gauge returns the last value of an int64 gauge instrument
func gauge(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				return g.DataPoints[0].Value, true
			}
		}
	}
	return 0, false
}
