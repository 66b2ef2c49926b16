// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

// Client wires a transport to a Bridge for sending requests and, when a
// handler is configured, a Responder serving them
type Client struct {
	transport      messaging.Transport
	ownsTransport  bool
	bridge         *bridge.Bridge
	responder      *bridge.Responder
	health         *health.Registry
	logger         *slog.Logger
	requestAddress string
	endpoints      []io.Closer
}

// addressDeclarer is implemented by transports that declare addresses up front
type addressDeclarer interface {
	DeclareAddress(ctx context.Context, address string, opts messaging.AddressOptions) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// NewClient connects to RabbitMQ and creates a client on it. Nothing runs
// until Start.
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options...)

	transportOpts := append([]rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(cfg.logger),
	}, cfg.transportOptions...)
	transport, err := rabbitmqTransport.NewTransport(connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(transport, cfg)
	if err != nil {
		transport.Close()
		return nil, err
	}
	client.ownsTransport = true
	return client, nil
}

// NewClientWithTransport creates a client on an existing transport. The
// caller keeps ownership of transport.
func NewClientWithTransport(transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	return newClient(transport, newClientConfig(options...))
}

func newClient(transport messaging.Transport, cfg *clientConfig) (_ *Client, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.setupTimeout)
	defer cancel()

	// producers and consumers opened so far; closed again if setup fails
	var endpoints []io.Closer
	defer func() {
		if err != nil {
			_ = closeEndpoints(endpoints)
		}
	}()

	replyAddress := bridge.NewReplyAddress()
	if declarer, ok := transport.(addressDeclarer); ok {
		if err := declarer.DeclareAddress(ctx, cfg.requestAddress, messaging.RequestAddressOptions(cfg.requestTimeout)); err != nil {
			return nil, fmt.Errorf("failed to declare request address: %w", err)
		}
		if err := declarer.DeclareAddress(ctx, replyAddress, messaging.ReplyAddressOptions()); err != nil {
			return nil, fmt.Errorf("failed to declare reply address: %w", err)
		}
	}

	opts := append([]bridge.Option{
		bridge.WithLogger(cfg.logger),
		bridge.WithRequestAddress(cfg.requestAddress),
		bridge.WithReplyAddress(replyAddress),
		bridge.WithRequestTimeout(cfg.requestTimeout),
	}, cfg.bridgeOptions...)
	if cfg.resilient {
		opts = append(opts,
			bridge.WithRetryPolicy(reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 3)),
			bridge.WithCircuitBreaker(reliability.NewCircuitBreaker(
				reliability.WithName("publish:"+cfg.requestAddress),
				reliability.WithBreakerLogger(cfg.logger))),
		)
	}

	producer, err := transport.RequestProducer()
	if err != nil {
		return nil, fmt.Errorf("failed to create request producer: %w", err)
	}
	endpoints = append(endpoints, producer)
	consumer, err := transport.ResponseConsumer(ctx, replyAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to create response consumer: %w", err)
	}
	endpoints = append(endpoints, consumer)
	b, err := bridge.NewBridge(producer, consumer, opts...)
	if err != nil {
		return nil, err
	}

	client := &Client{
		transport:      transport,
		bridge:         b,
		health:         health.NewRegistry(health.WithLogger(cfg.logger)),
		logger:         cfg.logger,
		requestAddress: cfg.requestAddress,
	}
	client.health.Register(health.NewBridgeChecker("bridge", b))
	client.registerTransportCheckers()

	if cfg.handler != nil {
		requests, err := transport.RequestConsumer(ctx, cfg.requestAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to create request consumer: %w", err)
		}
		endpoints = append(endpoints, requests)
		responses, err := transport.ResponseProducer()
		if err != nil {
			return nil, fmt.Errorf("failed to create response producer: %w", err)
		}
		endpoints = append(endpoints, responses)
		handler := messaging.Chain(cfg.handler, cfg.middlewares...)
		client.responder, err = bridge.NewResponder(requests, responses, handler, opts...)
		if err != nil {
			return nil, err
		}
	}

	client.endpoints = endpoints
	return client, nil
}

// closeEndpoints closes endpoints newest first
func closeEndpoints(endpoints []io.Closer) error {
	var errs []error
	for _, e := range slices.Backward(endpoints) {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// registerTransportCheckers adds the health checks the transport supports
func (c *Client) registerTransportCheckers() {
	if rt, ok := c.transport.(*rabbitmqTransport.Transport); ok {
		c.health.Register(
			health.NewRabbitMQChecker(rt.Manager()),
			health.NewChannelPoolChecker(rt.Pool()),
		)
	}
	if p, ok := c.transport.(pinger); ok {
		c.health.Register(health.NewPingChecker("transport", p.Ping))
	}
	if inspector, ok := c.transport.(health.QueueInspector); ok {
		c.health.Register(health.NewQueueChecker(c.requestAddress, inspector, 0))
	}
}

// Start runs the responder, if any, then the bridge
func (c *Client) Start(ctx context.Context) error {
	if c.responder != nil {
		if err := c.responder.Start(ctx); err != nil {
			return fmt.Errorf("failed to start responder: %w", err)
		}
	}
	if err := c.bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	c.logger.Info("client started",
		"requestAddress", c.requestAddress,
		"replyAddress", c.bridge.ReplyAddress(),
		"serving", c.responder != nil)
	return nil
}

// Request sends payload and waits for the response payload
func (c *Client) Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	return c.bridge.Request(ctx, payload, timeout)
}

// Send sends payload and returns a future for the response
func (c *Client) Send(ctx context.Context, payload []byte, timeout time.Duration) *bridge.Future {
	return c.bridge.Send(ctx, payload, timeout)
}

// Bridge returns the request bridge
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// Responder returns the responder, or nil when the client has no handler
func (c *Client) Responder() *bridge.Responder {
	return c.responder
}

// Health returns the health registry of the client's components
func (c *Client) Health() *health.Registry {
	return c.health
}

// ReplyAddress returns the address this client receives responses on
func (c *Client) ReplyAddress() string {
	return c.bridge.ReplyAddress()
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close stops the bridge, failing pending requests, then the responder, and
// closes the transport if the client created it
func (c *Client) Close() error {
	var errs []error
	if err := c.bridge.Stop(); err != nil {
		errs = append(errs, err)
	}
	if c.responder != nil {
		if err := c.responder.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := closeEndpoints(c.endpoints); err != nil {
		errs = append(errs, err)
	}
	if c.ownsTransport {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	requestAddress   string
	requestTimeout   time.Duration
	setupTimeout     time.Duration
	handler          messaging.Handler
	middlewares      []messaging.Middleware
	resilient        bool
	bridgeOptions    []bridge.Option
	transportOptions []rabbitmqTransport.TransportOption
}

func newClientConfig(options ...ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:         slog.Default(),
		requestAddress: bridge.DefaultRequestAddress,
		requestTimeout: bridge.DefaultRequestTimeout,
		setupTimeout:   30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithRequestAddress sets the address requests are sent to and served from
func WithRequestAddress(address string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestAddress = address
	}
}

// WithRequestTimeout sets the default request timeout. Requests older than
// this are also dropped by the responder and expire on the broker.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestTimeout = timeout
	}
}

// WithHandler makes the client serve requests with handler
func WithHandler(handler messaging.Handler, middlewares ...messaging.Middleware) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handler = handler
		cfg.middlewares = middlewares
	}
}

// WithResilience retries failed publishes with exponential backoff behind a
// circuit breaker
func WithResilience() ClientOption {
	return func(cfg *clientConfig) {
		cfg.resilient = true
	}
}

// WithBridgeOptions passes options to the bridge and responder
func WithBridgeOptions(opts ...bridge.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.bridgeOptions = append(cfg.bridgeOptions, opts...)
	}
}

// WithConnectionOptions passes options to the RabbitMQ connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, rabbitmqTransport.WithConnectionOptions(opts...))
	}
}

// WithTransportOptions passes options to the RabbitMQ transport
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, opts...)
	}
}
