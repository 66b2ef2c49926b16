package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// requester sends one request and waits for its response
type requester interface {
	Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error)
}

type benchOptions struct {
	Requests    int
	Concurrency int
	Rate        float64
	PayloadSize int
	Timeout     time.Duration
}

type benchSummary struct {
	Requests    int
	Succeeded   int
	Failures    map[string]int
	Elapsed     time.Duration
	PayloadSize int
	latencies   []time.Duration
}

// Percentile returns the latency at or below which fraction p of successful
// requests completed
func (s *benchSummary) Percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(s.latencies)))) - 1
	idx = max(0, min(idx, len(s.latencies)-1))
	return s.latencies[idx]
}

// Throughput returns completed requests per second
func (s *benchSummary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Requests) / s.Elapsed.Seconds()
}

func (s *benchSummary) Write(w io.Writer) error {
	failed := s.Requests - s.Succeeded
	var b strings.Builder
	fmt.Fprintf(&b, "requests:    %s (%s ok, %s failed)\n",
		humanize.Comma(int64(s.Requests)), humanize.Comma(int64(s.Succeeded)), humanize.Comma(int64(failed)))
	fmt.Fprintf(&b, "payload:     %s\n", humanize.Bytes(uint64(s.PayloadSize)))
	fmt.Fprintf(&b, "elapsed:     %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "throughput:  %s req/s\n", humanize.CommafWithDigits(s.Throughput(), 2))
	if s.Succeeded > 0 {
		fmt.Fprintf(&b, "latency:     p50 %s  p90 %s  p99 %s  max %s\n",
			s.Percentile(0.50), s.Percentile(0.90), s.Percentile(0.99), s.Percentile(1))
	}
	if len(s.Failures) > 0 {
		kinds := make([]string, 0, len(s.Failures))
		for kind := range s.Failures {
			kinds = append(kinds, kind)
		}
		slices.Sort(kinds)
		parts := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%s", kind, humanize.Comma(int64(s.Failures[kind]))))
		}
		fmt.Fprintf(&b, "failures:    %s\n", strings.Join(parts, " "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return "timeout"
	case errors.Is(err, bridge.ErrOverCapacity):
		return "over_capacity"
	case errors.Is(err, bridge.ErrHandlerFailure):
		return "handler_failure"
	case errors.Is(err, bridge.ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, bridge.ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// runBench sends opts.Requests requests, at most opts.Concurrency at a time
// and no faster than opts.Rate per second when it is positive
func runBench(ctx context.Context, client requester, opts benchOptions) (*benchSummary, error) {
	if opts.Requests <= 0 {
		return nil, fmt.Errorf("requests must be positive, got %d", opts.Requests)
	}
	if opts.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", opts.Concurrency)
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)
	payload := bytes.Repeat([]byte("x"), opts.PayloadSize)

	summary := &benchSummary{
		Failures:    make(map[string]int),
		PayloadSize: opts.PayloadSize,
		latencies:   make([]time.Duration, 0, opts.Requests),
	}
	var mu sync.Mutex
	record := func(elapsed time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		summary.Requests++
		if err != nil {
			summary.Failures[failureKind(err)]++
			return
		}
		summary.Succeeded++
		summary.latencies = append(summary.latencies, elapsed)
	}

	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	start := time.Now()
	for range opts.Requests {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			sent := time.Now()
			_, err := client.Request(ctx, payload, opts.Timeout)
			record(time.Since(sent), err)
			return nil
		})
	}
	_ = g.Wait()
	summary.Elapsed = time.Since(start)

	slices.Sort(summary.latencies)
	return summary, ctx.Err()
}

func newBenchCommand(v *viper.Viper) *cobra.Command {
	var (
		opts        benchOptions
		payloadSize string
		serve       bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Send concurrent requests and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := humanize.ParseBytes(payloadSize)
			if err != nil {
				return fmt.Errorf("invalid payload size %q: %w", payloadSize, err)
			}
			opts.PayloadSize = int(size)

			var handler messaging.Handler
			if serve {
				handler = handlers["echo"]
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, v, handler)
			if err != nil {
				return err
			}
			defer s.close()

			summary, err := runBench(ctx, s.client, opts)
			if summary != nil {
				if werr := summary.Write(cmd.OutOrStdout()); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&opts.Requests, "requests", "n", 1000, "number of requests to send")
	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "c", 16, "requests in flight at once")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 0, "maximum requests per second (0 is unlimited)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-request timeout (0 uses the configured timeout)")
	cmd.Flags().StringVar(&payloadSize, "payload-size", "128B", "size of each request payload")
	cmd.Flags().BoolVar(&serve, "serve", false, "also serve the requests in this process with an echo handler")
	return cmd
}
