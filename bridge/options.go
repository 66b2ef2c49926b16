package bridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for Config
const (
	DefaultMaxPendingRequests = 10000
	DefaultRequestTimeout     = 10 * time.Second
	DefaultPollInterval       = 25 * time.Millisecond
	DefaultMaxCallbackWorkers = 100
	DefaultRequestAddress     = "mmate.rpc.requests"
)

// Option configures a Bridge or a Responder
type Option func(*Config)

// Config holds configuration shared by the caller and responder sides
type Config struct {
	MaxPendingRequests int
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	SweepInterval      time.Duration
	MaxCallbackWorkers int
	CallbackQueueSize  int
	RequestAddress     string
	ReplyAddress       string
	Logger             *slog.Logger
	CircuitBreaker     *reliability.CircuitBreaker
	RetryPolicy        reliability.RetryPolicy
	MeterProvider      metric.MeterProvider
	TracerProvider     trace.TracerProvider
	Propagator         propagation.TextMapPropagator
}

// WithMaxPendingRequests sets the maximum number of requests tracked at once
func WithMaxPendingRequests(max int) Option {
	return func(c *Config) {
		c.MaxPendingRequests = max
	}
}

// WithRequestTimeout sets the timeout applied when Send is given none
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = timeout
	}
}

// WithDefaultTimeout is an alias for WithRequestTimeout
func WithDefaultTimeout(timeout time.Duration) Option {
	return WithRequestTimeout(timeout)
}

// WithPollInterval sets the maximum wait of a single poll
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

// WithSweepInterval sets how often expired requests are swept
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.SweepInterval = interval
	}
}

// WithMaxCallbackWorkers sets the number of goroutines running completions
func WithMaxCallbackWorkers(workers int) Option {
	return func(c *Config) {
		c.MaxCallbackWorkers = workers
	}
}

// WithCallbackQueueSize sets the capacity of the completion queue
func WithCallbackQueueSize(size int) Option {
	return func(c *Config) {
		c.CallbackQueueSize = size
	}
}

// WithRequestAddress sets where requests are published
func WithRequestAddress(address string) Option {
	return func(c *Config) {
		c.RequestAddress = address
	}
}

// WithReplyAddress sets where this process receives responses
func WithReplyAddress(address string) Option {
	return func(c *Config) {
		c.ReplyAddress = address
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithCircuitBreaker guards request publishing with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(c *Config) {
		c.CircuitBreaker = cb
	}
}

// WithRetryPolicy retries failed publishes according to policy
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Config) {
		c.RetryPolicy = policy
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Config) {
		c.MeterProvider = provider
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = provider
	}
}

// WithPropagator sets the propagator used to carry trace context in headers
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(c *Config) {
		c.Propagator = propagator
	}
}

// NewReplyAddress returns a process-unique reply address
func NewReplyAddress() string {
	return fmt.Sprintf("mmate.rpc.reply.%s", uuid.New().String()[:8])
}

func newConfig(opts ...Option) (*Config, error) {
	config := &Config{
		MaxPendingRequests: DefaultMaxPendingRequests,
		RequestTimeout:     DefaultRequestTimeout,
		PollInterval:       DefaultPollInterval,
		MaxCallbackWorkers: DefaultMaxCallbackWorkers,
		RequestAddress:     DefaultRequestAddress,
	}
	for _, opt := range opts {
		opt(config)
	}

	if config.SweepInterval == 0 {
		config.SweepInterval = config.PollInterval
	}
	if config.CallbackQueueSize == 0 {
		config.CallbackQueueSize = config.MaxCallbackWorkers * 16
	}
	if config.ReplyAddress == "" {
		config.ReplyAddress = NewReplyAddress()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MeterProvider == nil {
		config.MeterProvider = otel.GetMeterProvider()
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	if config.Propagator == nil {
		config.Propagator = otel.GetTextMapPropagator()
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch {
	case c.MaxPendingRequests <= 0:
		return fmt.Errorf("max pending requests must be positive, got %d", c.MaxPendingRequests)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	case c.SweepInterval <= 0:
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	case c.MaxCallbackWorkers <= 0:
		return fmt.Errorf("max callback workers must be positive, got %d", c.MaxCallbackWorkers)
	case c.CallbackQueueSize <= 0:
		return fmt.Errorf("callback queue size must be positive, got %d", c.CallbackQueueSize)
	case c.RequestAddress == "":
		return fmt.Errorf("request address cannot be empty")
	}
	return nil
}
