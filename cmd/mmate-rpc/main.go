package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:   "mmate-rpc",
		Short: "Request/response over message queues",
		Long: `mmate-rpc sends requests over an asynchronous queue and correlates the
responses that come back on a private reply address.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	if err := registerFlags(v, rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		newServeCommand(v),
		newRequestCommand(v),
		newBenchCommand(v),
	)
	return rootCmd
}

// session is a running client with its transport and telemetry
type session struct {
	cfg       *config
	logger    *slog.Logger
	client    *mmate.Client
	transport messaging.Transport
	telemetry *telemetry
}

// openSession loads configuration, connects the transport and starts a
// client on it. handler may be nil for a caller-only client.
func openSession(ctx context.Context, v *viper.Viper, handler messaging.Handler, middlewares ...messaging.Middleware) (*session, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	logger := cfg.newLogger()

	tel, err := newTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	transport, err := cfg.openTransport(ctx, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to open %s transport: %w", cfg.Transport, err)
	}

	opts := []mmate.ClientOption{
		mmate.WithLogger(logger),
		mmate.WithRequestAddress(cfg.RequestAddress),
		mmate.WithRequestTimeout(cfg.RequestTimeout),
		mmate.WithResilience(),
		mmate.WithBridgeOptions(append(cfg.bridgeOptions(), bridge.WithMeterProvider(tel.MeterProvider()))...),
	}
	if handler != nil {
		opts = append(opts, mmate.WithHandler(handler, middlewares...))
	}

	s := &session{cfg: cfg, logger: logger, transport: transport, telemetry: tel}
	s.client, err = mmate.NewClientWithTransport(transport, opts...)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if err := s.client.Start(ctx); err != nil {
		s.close()
		return nil, err
	}
	s.client.Health().Register(
		health.NewRuntimeChecker(10000, 50000),
		health.NewHostChecker(90, 97),
	)
	if err := tel.Serve(s.client.Health().Handler()); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("client close failed", "error", err)
		}
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close failed", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", "error", err)
	}
}
