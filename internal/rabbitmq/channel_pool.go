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

// ChannelPool manages a pool of AMQP channels
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	confirm     bool
	logger      *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string
	confirm  bool
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the minimum pool size
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithWaitTimeout bounds how long Get waits for a channel when the pool is full
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// WithConfirmMode puts every pooled channel into publisher confirm mode
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// WithChannelLogger sets the pool logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		confirm:     true,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	created := make([]*PooledChannel, 0, pool.minSize)
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			for _, c := range created {
				c.Channel.Close()
			}
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		created = append(created, ch)
	}
	for _, ch := range created {
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, opening one when the pool is below
// its maximum size
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		if cp.isClosed() {
			return nil, ErrChannelPoolClosed
		}

		select {
		case ch, ok := <-cp.channels:
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if ch.Channel.IsClosed() {
				cp.discard()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.createReserved(ctx)
			if err != nil {
				cp.discard()
				return nil, err
			}
			return ch, nil
		}

		timer := time.NewTimer(cp.waitTimeout)
		select {
		case ch, ok := <-cp.channels:
			timer.Stop()
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if ch.Channel.IsClosed() {
				cp.discard()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}

		case <-timer.C:
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ErrChannelPoolExhausted,
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if ch.Channel.IsClosed() {
		cp.activeCount--
		return
	}
	if cp.closed {
		cp.activeCount--
		ch.Channel.Close()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		cp.activeCount--
		ch.Channel.Close()
	}
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if !ch.Channel.IsClosed() {
			ch.Channel.Close()
		}
	}
	return nil
}

// Size returns the number of channels owned by the pool, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Idle returns the number of channels waiting in the pool
func (cp *ChannelPool) Idle() int {
	return len(cp.channels)
}

// MaxSize returns the configured maximum pool size
func (cp *ChannelPool) MaxSize() int {
	return cp.maxSize
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

// reserve claims a slot for a new channel if the pool has room
func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed || cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) discard() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// createChannel opens a channel and counts it against the pool
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	if !cp.reserve() {
		return nil, ErrChannelPoolExhausted
	}
	ch, err := cp.open()
	if err != nil {
		cp.discard()
		return nil, err
	}
	return ch, nil
}

func (cp *ChannelPool) createReserved(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return cp.open()
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	id := uuid.New().String()
	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{
				Op:        "enable confirms",
				ChannelID: id,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       id,
		confirm:  cp.confirm,
	}, nil
}

// cleanupIdle closes channels idle longer than the idle timeout, keeping at
// least minSize
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return
		}
		var keep []*PooledChannel
	drain:
		for {
			select {
			case ch := <-cp.channels:
				if ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize {
					ch.Channel.Close()
					cp.activeCount--
					continue
				}
				keep = append(keep, ch)
			default:
				break drain
			}
		}
		for _, ch := range keep {
			cp.channels <- ch
		}
		total := cp.activeCount
		cp.mu.Unlock()

		cp.logger.Debug("channel pool cleanup", "channels", total, "idle", len(keep))
	}
}
