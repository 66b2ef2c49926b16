package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes message bodies to queues through the default exchange
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	persistent     bool
	contentType    string
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long Publish waits for the broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPersistentDelivery marks published messages persistent
func WithPersistentDelivery(persistent bool) PublisherOption {
	return func(p *Publisher) {
		p.persistent = persistent
	}
}

// WithContentType sets the content type of published messages
func WithContentType(contentType string) PublisherOption {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		contentType:    "application/json",
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends body to queue and, on confirm-mode channels, waits for the
// broker to confirm it
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	msg := amqp.Publishing{
		ContentType: p.contentType,
		Body:        body,
		Timestamp:   time.Now(),
	}
	if p.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if len(headers) > 0 {
		msg.Headers = make(amqp.Table, len(headers))
		for k, v := range headers {
			msg.Headers[k] = v
		}
	}

	err := p.pool.Execute(ctx, func(ch *PooledChannel) error {
		confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()

		dc, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, "", queue, false, false, msg)
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
		if dc == nil {
			return nil
		}

		acked, err := dc.WaitContext(confirmCtx)
		if err != nil {
			return fmt.Errorf("waiting for confirmation: %w", err)
		}
		if !acked {
			return ErrPublishNotConfirmed
		}
		return nil
	})
	if err != nil {
		return &PublishError{
			Queue:     queue,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Close releases the publisher. The channel pool is owned by the caller.
func (p *Publisher) Close() error {
	return nil
}
