package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer consumes a single queue on a dedicated channel. Deliveries are
// buffered by the client library up to the prefetch count and handed out by
// Poll. The consumer resubscribes after the connection recovers.
type Consumer struct {
	manager       *ConnectionManager
	queue         string
	prefetchCount int
	consumerTag   string
	exclusive     bool
	logger        *slog.Logger

	mu         sync.Mutex
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for queue. Nothing is subscribed until the
// first Poll.
func NewConsumer(manager *ConnectionManager, queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		queue:         queue,
		prefetchCount: 256,
		consumerTag:   "mmate-rpc-" + uuid.New().String(),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.logger = c.logger.With("queue", queue)
	return c
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Poll waits up to maxWait for a first delivery, then returns it together
// with whatever else is already buffered, at most max deliveries in total.
// Deliveries must be acknowledged by the caller.
func (c *Consumer) Poll(ctx context.Context, maxWait time.Duration, max int) ([]amqp.Delivery, error) {
	deliveries, err := c.subscription(ctx)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = c.prefetchCount
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var batch []amqp.Delivery
	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, c.lost()
		}
		batch = append(batch, d)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(batch) < max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				// Unacked deliveries are requeued by the broker
				return nil, c.lost()
			}
			batch = append(batch, d)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// subscription returns the live delivery channel, subscribing if needed
func (c *Consumer) subscription(ctx context.Context) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConsumerClosed
	}
	if c.channel != nil && !c.channel.IsClosed() {
		return c.deliveries, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, c.fail("subscribe", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, c.fail("open channel", err)
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, c.fail("set qos", err)
	}

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, c.fail("consume", err)
	}

	c.channel = ch
	c.deliveries = deliveries
	c.logger.Info("subscribed to queue",
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount)
	return deliveries, nil
}

// lost drops the current subscription after its delivery channel closed
func (c *Consumer) lost() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	c.channel = nil
	c.deliveries = nil
	if c.closed {
		return ErrConsumerClosed
	}
	c.logger.Warn("delivery channel closed, will resubscribe")
	return c.fail("receive", ErrConnectionClosed)
}

func (c *Consumer) fail(op string, err error) error {
	return &ConsumerError{
		Queue:     c.queue,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Close cancels the subscription. Unacknowledged deliveries return to the
// queue.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.channel == nil {
		return nil
	}

	ch := c.channel
	c.channel = nil
	c.deliveries = nil
	if ch.IsClosed() {
		return nil
	}
	if err := ch.Cancel(c.consumerTag, false); err != nil {
		c.logger.Debug("consumer cancel failed", "error", err)
	}
	if err := ch.Close(); err != nil {
		return fmt.Errorf("failed to close consumer channel: %w", err)
	}
	return nil
}
