package main

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type requesterFunc func(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error)

func (f requesterFunc) Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	return f(ctx, payload, timeout)
}

func TestRunBench(t *testing.T) {
	t.Run("counts successes and failures by kind", func(t *testing.T) {
		var calls atomic.Int32
		client := requesterFunc(func(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
			switch calls.Add(1) % 4 {
			case 0:
				return nil, bridge.ErrTimeout
			case 1:
				return nil, &bridge.HandlerError{CorrelationID: "x", Code: "handler_failure", Message: "boom"}
			default:
				return payload, nil
			}
		})

		summary, err := runBench(t.Context(), client, benchOptions{Requests: 20, Concurrency: 4, PayloadSize: 8})
		require.NoError(t, err)

		assert.Equal(t, 20, summary.Requests)
		assert.Equal(t, 10, summary.Succeeded)
		assert.Equal(t, map[string]int{"timeout": 5, "handler_failure": 5}, summary.Failures)
		assert.Len(t, summary.latencies, 10)
	})

	t.Run("bounds requests in flight", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		client := requesterFunc(func(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return payload, nil
		})

		_, err := runBench(t.Context(), client, benchOptions{Requests: 30, Concurrency: 3})
		require.NoError(t, err)

		assert.LessOrEqual(t, peak.Load(), int32(3))
	})

	t.Run("limits the send rate", func(t *testing.T) {
		client := requesterFunc(func(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
			return payload, nil
		})

		summary, err := runBench(t.Context(), client, benchOptions{Requests: 5, Concurrency: 5, Rate: 100})
		require.NoError(t, err)

		assert.GreaterOrEqual(t, summary.Elapsed, 30*time.Millisecond)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		client := requesterFunc(func(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
			cancel()
			return payload, nil
		})

		summary, err := runBench(ctx, client, benchOptions{Requests: 1000, Concurrency: 1, Rate: 1000})

		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, summary)
		assert.Less(t, summary.Requests, 1000)
	})

	t.Run("rejects invalid options", func(t *testing.T) {
		_, err := runBench(t.Context(), nil, benchOptions{Requests: 0, Concurrency: 1})
		assert.Error(t, err)
		_, err = runBench(t.Context(), nil, benchOptions{Requests: 1, Concurrency: 0})
		assert.Error(t, err)
	})
}

func TestBenchSummary(t *testing.T) {
	summary := &benchSummary{
		Requests:    12,
		Succeeded:   10,
		Failures:    map[string]int{"timeout": 2},
		Elapsed:     2 * time.Second,
		PayloadSize: 2048,
	}
	for i := 1; i <= 10; i++ {
		summary.latencies = append(summary.latencies, time.Duration(i)*time.Millisecond)
	}

	t.Run("percentiles", func(t *testing.T) {
		assert.Equal(t, 5*time.Millisecond, summary.Percentile(0.5))
		assert.Equal(t, 9*time.Millisecond, summary.Percentile(0.9))
		assert.Equal(t, 10*time.Millisecond, summary.Percentile(0.99))
		assert.Equal(t, 10*time.Millisecond, summary.Percentile(1))
		assert.Equal(t, time.Millisecond, summary.Percentile(0))
		assert.Zero(t, (&benchSummary{}).Percentile(0.5))
	})

	t.Run("throughput", func(t *testing.T) {
		assert.InDelta(t, 6.0, summary.Throughput(), 0.001)
		assert.Zero(t, (&benchSummary{Requests: 3}).Throughput())
	})

	t.Run("report", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, summary.Write(&out))

		report := out.String()
		assert.Contains(t, report, "requests:    12 (10 ok, 2 failed)")
		assert.Contains(t, report, "payload:     2.0 kB")
		assert.Contains(t, report, "throughput:  6")
		assert.Contains(t, report, "p50 5ms")
		assert.Contains(t, report, "failures:    timeout=2")
	})
}

func TestBenchCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"bench",
		"--transport=memory",
		"--serve",
		"--poll-interval-ms=2",
		"--log-level=error",
		"-n", "25",
		"-c", "5",
	})

	require.NoError(t, cmd.ExecuteContext(t.Context()))

	assert.Contains(t, out.String(), "requests:    25 (25 ok, 0 failed)")
}
