// Package redis implements messaging.Transport on Redis lists. Each address
// is a list: publishers LPUSH JSON envelopes and consumers pop from the
// other end, so every envelope is delivered to one consumer in FIFO order.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/redis/go-redis/v9"
)

var _ messaging.Transport = (*Transport)(nil)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("redis: transport is closed")

// Transport implements messaging.Transport for Redis
type Transport struct {
	rdb        *redis.Client
	ownsClient bool
	prefix     string
	pollBatch  int
	logger     *slog.Logger

	mu     sync.RWMutex
	ttls   map[string]time.Duration
	closed bool
}

// Option configures the transport
type Option func(*Transport)

// WithKeyPrefix sets the prefix of list keys
func WithKeyPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = strings.Trim(prefix, ":")
	}
}

// WithPollBatch caps the envelopes returned by one Poll
func WithPollBatch(n int) Option {
	return func(t *Transport) {
		t.pollBatch = n
	}
}

// WithLogger sets the transport logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport wraps an existing client. The caller keeps ownership of rdb.
func NewTransport(rdb *redis.Client, opts ...Option) *Transport {
	t := &Transport{
		rdb:       rdb,
		prefix:    "mmate:rpc",
		pollBatch: 256,
		logger:    slog.Default(),
		ttls:      make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "redis-transport")
	return t
}

// Dial connects to the Redis server at addr and verifies it with PING
func Dial(ctx context.Context, addr string, opts ...Option) (*Transport, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  addr,
		DialTimeout:           5 * time.Second,
		ContextTimeoutEnabled: true,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	t := NewTransport(rdb, opts...)
	t.ownsClient = true
	t.logger.Info("connected to redis", "addr", addr)
	return t, nil
}

// DeclareAddress records the options for address. A message TTL is applied
// to the list key on every publish, so an address nobody drains expires.
func (t *Transport) DeclareAddress(ctx context.Context, address string, opts messaging.AddressOptions) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if opts.MessageTTL > 0 {
		t.ttls[address] = opts.MessageTTL
	} else {
		delete(t.ttls, address)
	}
	return nil
}

// Key returns the list key backing address
func (t *Transport) Key(address string) string {
	if t.prefix == "" {
		return address
	}
	return t.prefix + ":" + address
}

// QueueDepth returns the number of envelopes waiting on address
func (t *Transport) QueueDepth(ctx context.Context, address string) (int, error) {
	n, err := t.rdb.LLen(ctx, t.Key(address)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ping checks the server connection
func (t *Transport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
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

// Close closes the client if the transport created it
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.ownsClient {
		return t.rdb.Close()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Transport) ttl(address string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ttls[address]
}

type producer[T any] struct {
	transport *Transport
}

func (p *producer[T]) Publish(ctx context.Context, address string, msg T) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if p.transport.isClosed() {
		return ErrClosed
	}
	body, err := contracts.Marshal(msg)
	if err != nil {
		return err
	}

	key := p.transport.Key(address)
	pipe := p.transport.rdb.Pipeline()
	pipe.LPush(ctx, key, body)
	if ttl := p.transport.ttl(address); ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

func (p *producer[T]) Close() error {
	return nil
}

type consumer[T any] struct {
	transport *Transport
	key       string
	logger    *slog.Logger
}

func openConsumer[T any](t *Transport, address string) (*consumer[T], error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if t.isClosed() {
		return nil, ErrClosed
	}
	return &consumer[T]{
		transport: t,
		key:       t.Key(address),
		logger:    t.logger.With("key", t.Key(address)),
	}, nil
}

// Poll pops up to the poll batch. When the list is empty it waits up to
// maxWait: with BRPOP for waits of a second or more, which is the smallest
// blocking timeout Redis clients send, otherwise by sleeping once.
func (c *consumer[T]) Poll(ctx context.Context, maxWait time.Duration) ([]T, error) {
	if c.transport.isClosed() {
		return nil, ErrClosed
	}

	bodies, err := c.popBatch(ctx, c.transport.pollBatch)
	if err != nil || len(bodies) > 0 {
		return c.decode(bodies), err
	}

	if maxWait >= time.Second {
		res, err := c.transport.rdb.BRPop(ctx, maxWait, c.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, c.pollError(ctx, err)
		}
		// BRPOP answers [key, value]
		first := res[1]
		rest, err := c.popBatch(ctx, c.transport.pollBatch-1)
		return c.decode(append([]string{first}, rest...)), err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	bodies, err = c.popBatch(ctx, c.transport.pollBatch)
	return c.decode(bodies), err
}

func (c *consumer[T]) popBatch(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	bodies, err := c.transport.rdb.RPopCount(ctx, c.key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, c.pollError(ctx, err)
	}
	return bodies, nil
}

func (c *consumer[T]) pollError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("failed to pop from %s: %w", c.key, err)
}

// decode drops bodies that are not valid envelopes
func (c *consumer[T]) decode(bodies []string) []T {
	if len(bodies) == 0 {
		return nil
	}
	out := make([]T, 0, len(bodies))
	for _, body := range bodies {
		msg, err := contracts.Unmarshal[T]([]byte(body))
		if err != nil {
			c.logger.Warn("dropping undecodable message", "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (c *consumer[T]) Close() error {
	return nil
}
