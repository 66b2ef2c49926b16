// Package rabbitmq implements messaging.Transport on RabbitMQ. Envelopes are
// JSON encoded and routed through the default exchange straight to the
// queue named by the address.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
)

// ErrClosed is returned by publishes on a closed transport
var ErrClosed = errors.New("rabbitmq: transport is closed")

var (
	_ messaging.Transport              = (*Transport)(nil)
	_ rabbitmq.ConnectionStateListener = (*Transport)(nil)
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	config    *TransportConfig
	logger    *slog.Logger

	mu        sync.Mutex
	declared  map[string]rabbitmq.QueueDeclaration
	consumers []*rabbitmq.Consumer
	closed    bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	ConnectTimeout    time.Duration
	PollBatch         int
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets options for every consumer the transport opens
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithConnectTimeout bounds the initial connection attempt
func WithConnectTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithPollBatch caps the envelopes returned by one Poll
func WithPollBatch(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PollBatch = n
	}
}

// WithLogger sets the transport logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to RabbitMQ and prepares the channel pool
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		ConnectTimeout: 30 * time.Second,
		PollBatch:      256,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger.With("component", "rabbitmq-transport")
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(logger)}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	t := &Transport{
		manager:   manager,
		pool:      pool,
		topology:  rabbitmq.NewTopologyManager(pool),
		publisher: rabbitmq.NewPublisher(pool, cfg.PublisherOptions...),
		config:    cfg,
		logger:    logger,
		declared:  make(map[string]rabbitmq.QueueDeclaration),
	}
	manager.AddStateListener(t)

	return t, nil
}

// DeclareAddress declares the queue backing address. Declared queues are
// declared again after a reconnect, since exclusive reply queues die with
// their connection.
func (t *Transport) DeclareAddress(ctx context.Context, address string, opts messaging.AddressOptions) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	queue := rabbitmq.QueueFromAddress(address, opts)
	if err := t.topology.DeclareQueues(ctx, queue); err != nil {
		return err
	}

	t.mu.Lock()
	t.declared[address] = queue
	t.mu.Unlock()

	t.logger.Debug("declared queue",
		"queue", address,
		"durable", opts.Durable,
		"exclusive", opts.Exclusive,
		"messageTtl", opts.MessageTTL)
	return nil
}

// QueueDepth returns the number of ready messages on address
func (t *Transport) QueueDepth(ctx context.Context, address string) (int, error) {
	info, err := t.topology.GetQueueInfo(ctx, address)
	if err != nil {
		return 0, err
	}
	return info.Messages, nil
}

// RequestProducer implements messaging.Transport
func (t *Transport) RequestProducer() (messaging.RequestProducer, error) {
	return &producer[*contracts.RequestEnvelope]{transport: t}, nil
}

// ResponseProducer implements messaging.Transport
func (t *Transport) ResponseProducer() (messaging.ResponseProducer, error) {
	return &producer[*contracts.ResponseEnvelope]{transport: t}, nil
}

// RequestConsumer implements messaging.Transport
func (t *Transport) RequestConsumer(ctx context.Context, address string) (messaging.RequestConsumer, error) {
	return openConsumer[*contracts.RequestEnvelope](t, address)
}

// ResponseConsumer implements messaging.Transport
func (t *Transport) ResponseConsumer(ctx context.Context, address string) (messaging.ResponseConsumer, error) {
	return openConsumer[*contracts.ResponseEnvelope](t, address)
}

// Manager returns the connection manager
func (t *Transport) Manager() *rabbitmq.ConnectionManager {
	return t.manager
}

// Pool returns the channel pool
func (t *Transport) Pool() *rabbitmq.ChannelPool {
	return t.pool
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close closes consumers, the channel pool and the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// OnConnected redeclares known queues after a reconnect
func (t *Transport) OnConnected() {
	t.mu.Lock()
	if t.closed || len(t.declared) == 0 {
		t.mu.Unlock()
		return
	}
	queues := make([]rabbitmq.QueueDeclaration, 0, len(t.declared))
	for _, q := range t.declared {
		queues = append(queues, q)
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.topology.DeclareQueues(ctx, queues...); err != nil {
		t.logger.Error("failed to redeclare queues after reconnect", "error", err)
		return
	}
	t.logger.Info("redeclared queues after reconnect", "queues", len(queues))
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	if err != nil {
		t.logger.Warn("transport disconnected", "error", err)
	}
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {}

type producer[T any] struct {
	transport *Transport
}

// Publish sends msg to address. Failures a retry cannot fix are marked
// permanent so retry policies give up on the first attempt.
func (p *producer[T]) Publish(ctx context.Context, address string, msg T) error {
	if address == "" {
		return reliability.Permanent(fmt.Errorf("address cannot be empty"))
	}
	if p.transport.isClosed() {
		return reliability.Permanent(ErrClosed)
	}
	body, err := contracts.Marshal(msg)
	if err != nil {
		return reliability.Permanent(err)
	}
	return classifyPublishError(p.transport.publisher.Publish(ctx, address, body, nil))
}

func classifyPublishError(err error) error {
	if err != nil && !rabbitmq.IsRetryable(err) {
		return reliability.Permanent(err)
	}
	return err
}

func (p *producer[T]) Close() error {
	return nil
}

type consumer[T any] struct {
	inner  *rabbitmq.Consumer
	batch  int
	logger *slog.Logger
}

func openConsumer[T any](t *Transport, address string) (*consumer[T], error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, rabbitmq.ErrConsumerClosed
	}

	opts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(t.logger)}, t.config.ConsumerOptions...)
	inner := rabbitmq.NewConsumer(t.manager, address, opts...)
	t.consumers = append(t.consumers, inner)

	return &consumer[T]{
		inner:  inner,
		batch:  t.config.PollBatch,
		logger: t.logger.With("queue", address),
	}, nil
}

// Poll acknowledges every delivery it decodes. Bodies that fail to decode
// are acknowledged and dropped.
func (c *consumer[T]) Poll(ctx context.Context, maxWait time.Duration) ([]T, error) {
	deliveries, err := c.inner.Poll(ctx, maxWait, c.batch)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(deliveries))
	for _, d := range deliveries {
		msg, err := contracts.Unmarshal[T](d.Body)
		if err != nil {
			c.logger.Warn("dropping undecodable message", "messageId", d.MessageId, "error", err)
		} else {
			out = append(out, msg)
		}
		if err := d.Ack(false); err != nil {
			c.logger.Warn("failed to ack delivery", "error", err)
		}
	}
	return out, nil
}

func (c *consumer[T]) Close() error {
	return c.inner.Close()
}
