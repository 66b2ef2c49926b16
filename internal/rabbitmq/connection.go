package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	isConnected    bool
	closed         bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. A negative
// value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1, // infinite retries by default
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.adopt(conn)
	return nil
}

// dial opens a connection, giving up when ctx ends or the dial timeout passes
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(cm.dialTimeout),
		})
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-dialCtx.Done():
		// Close whatever the dial eventually produces
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// adopt installs conn as the current connection and watches it for closure
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		conn.Close()
		return
	}
	cm.conn = conn
	cm.isConnected = true
	cm.mu.Unlock()

	cm.notifyConnected()
	go cm.handleReconnect(notifyClose)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}
	return nil
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
			cm.logger.Error("connection closed", "error", amqpErr)
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.done:
		cm.logger.Debug("connection manager shutting down")
	}
}

// reconnect dials until a connection is established, the retry budget is
// spent or the manager is closed
func (cm *ConnectionManager) reconnect() {
	backoff := cm.backoff()
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start))
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			})
			return
		}

		if attempt > 0 {
			select {
			case <-time.After(backoff.Delay(attempt - 1)):
			case <-cm.done:
				return
			}
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt + 1)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cm.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := cm.dial(ctx)
		cancel()
		if err != nil {
			select {
			case <-cm.done:
				return
			default:
			}
			cm.logger.Warn("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start))
		cm.adopt(conn)
		return
	}
}

func (cm *ConnectionManager) backoff() *reliability.ExponentialBackoff {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	return reliability.NewExponentialBackoff(base, 5*time.Minute, 2, cm.maxRetries)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
