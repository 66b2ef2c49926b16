package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by producers and consumers of a closed broker
var ErrClosed = errors.New("memory: broker closed")

// DefaultPollBatch is the most envelopes a single Poll returns
const DefaultPollBatch = 256

// Interceptor sees every published envelope. Returning false drops it.
type Interceptor[T any] func(address string, msg T) bool

// Broker is an in-process queue broker with named addresses. Consumers of
// the same address compete for envelopes.
type Broker[T any] struct {
	mu     sync.Mutex
	queues map[string]*queue[T]
	closed bool

	publishErr  error
	duplicate   bool
	interceptor Interceptor[T]
	batch       int
}

type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

// NewBroker creates an empty broker
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		queues: make(map[string]*queue[T]),
		batch:  DefaultPollBatch,
	}
}

func (b *Broker[T]) queue(address string) (*queue[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[address]
	if !ok {
		q = &queue[T]{signal: make(chan struct{}, 1)}
		b.queues[address] = q
	}
	return q, nil
}

// SetPublishError makes every publish fail with err until called with nil
func (b *Broker[T]) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// SetDuplicateDelivery makes every publish enqueue the envelope twice
func (b *Broker[T]) SetDuplicateDelivery(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duplicate = enabled
}

// SetInterceptor installs fn to observe or drop published envelopes
func (b *Broker[T]) SetInterceptor(fn Interceptor[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = fn
}

// SetPollBatch limits how many envelopes a Poll returns
func (b *Broker[T]) SetPollBatch(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 {
		b.batch = n
	}
}

// Publish enqueues msg on address
func (b *Broker[T]) Publish(ctx context.Context, address string, msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("memory: address cannot be empty")
	}

	b.mu.Lock()
	publishErr, duplicate, interceptor := b.publishErr, b.duplicate, b.interceptor
	b.mu.Unlock()

	if publishErr != nil {
		return publishErr
	}
	if interceptor != nil && !interceptor(address, msg) {
		return nil
	}

	q, err := b.queue(address)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, msg)
	if duplicate {
		q.items = append(q.items, msg)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Poll waits up to maxWait for envelopes on address
func (b *Broker[T]) Poll(ctx context.Context, address string, maxWait time.Duration) ([]T, error) {
	q, err := b.queue(address)
	if err != nil {
		return nil, err
	}

	if items := b.take(q); len(items) > 0 {
		return items, nil
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return b.take(q), nil
		case <-q.signal:
			if items := b.take(q); len(items) > 0 {
				return items, nil
			}
		}
	}
}

func (b *Broker[T]) take(q *queue[T]) []T {
	b.mu.Lock()
	batch := b.batch
	b.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(len(q.items), batch)
	if n == 0 {
		return nil
	}
	items := make([]T, n)
	copy(items, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return items
}

// Depth returns the number of envelopes waiting on address
func (b *Broker[T]) Depth(address string) int {
	b.mu.Lock()
	q, ok := b.queues[address]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards all queued envelopes and fails later calls
func (b *Broker[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queues = make(map[string]*queue[T])
	return nil
}

// Producer publishes to the broker, defaulting to address when Publish is
// given none
func (b *Broker[T]) Producer(address string) *Producer[T] {
	return &Producer[T]{broker: b, address: address}
}

// Consumer polls address
func (b *Broker[T]) Consumer(address string) *Consumer[T] {
	return &Consumer[T]{broker: b, address: address}
}

// Producer implements messaging.Producer on a Broker
type Producer[T any] struct {
	broker  *Broker[T]
	address string
}

// Publish implements messaging.Producer
func (p *Producer[T]) Publish(ctx context.Context, address string, msg T) error {
	if address == "" {
		address = p.address
	}
	return p.broker.Publish(ctx, address, msg)
}

// Close implements messaging.Producer
func (p *Producer[T]) Close() error {
	return nil
}

// Consumer implements messaging.Consumer on a Broker
type Consumer[T any] struct {
	broker  *Broker[T]
	address string
}

// Poll implements messaging.Consumer
func (c *Consumer[T]) Poll(ctx context.Context, maxWait time.Duration) ([]T, error) {
	return c.broker.Poll(ctx, c.address, maxWait)
}

// Close implements messaging.Consumer
func (c *Consumer[T]) Close() error {
	return nil
}
