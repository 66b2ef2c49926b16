package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// Producer publishes envelopes to a named address. Implementations must be
// safe for concurrent use. An empty address selects the producer's default
// destination.
type Producer[T any] interface {
	// Publish sends msg to address
	Publish(ctx context.Context, address string, msg T) error

	// Close releases the producer
	Close() error
}

// Consumer polls envelopes from the address it was created for. Delivery is
// at-least-once: the same envelope may be returned more than once.
type Consumer[T any] interface {
	// Poll returns the envelopes that arrived within maxWait, possibly none
	Poll(ctx context.Context, maxWait time.Duration) ([]T, error)

	// Close releases the consumer
	Close() error
}

// Request and response flavours used by callers and responders
type (
	RequestProducer  = Producer[*contracts.RequestEnvelope]
	RequestConsumer  = Consumer[*contracts.RequestEnvelope]
	ResponseProducer = Producer[*contracts.ResponseEnvelope]
	ResponseConsumer = Consumer[*contracts.ResponseEnvelope]
)

// Transport opens producers and consumers on a broker
type Transport interface {
	// RequestProducer returns a producer publishing requests
	RequestProducer() (RequestProducer, error)

	// RequestConsumer returns a consumer polling requests from address
	RequestConsumer(ctx context.Context, address string) (RequestConsumer, error)

	// ResponseProducer returns a producer publishing responses
	ResponseProducer() (ResponseProducer, error)

	// ResponseConsumer returns a consumer polling responses from address
	ResponseConsumer(ctx context.Context, address string) (ResponseConsumer, error)

	// Close closes all resources
	Close() error
}

// AddressOptions defines options for declaring an address on a broker
type AddressOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	MessageTTL time.Duration
}

// ReplyAddressOptions returns the options used for per-process reply addresses
func ReplyAddressOptions() AddressOptions {
	return AddressOptions{
		Durable:    false,
		AutoDelete: true,
		Exclusive:  true,
	}
}

// RequestAddressOptions returns the options used for shared request addresses
func RequestAddressOptions(requestTimeout time.Duration) AddressOptions {
	return AddressOptions{
		Durable:    true,
		MessageTTL: requestTimeout,
	}
}
