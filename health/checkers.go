package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// RabbitMQChecker checks RabbitMQ connection health
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{connManager: connManager}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	conn, err := c.connManager.GetConnection()
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to get connection", err, start)
	}

	// Opening a channel proves the connection is usable, not just open
	ch, err := conn.Channel()
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to create channel", err, start)
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(
		"amq.direct", // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return result.fail(StatusDegraded, "Exchange check failed", err, start)
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["connection_open"] = !conn.IsClosed()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker checks the health of a channel pool
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)
	result.Details["pool_size"] = c.pool.Size()
	result.Details["pool_max"] = c.pool.MaxSize()
	result.Details["idle"] = c.pool.Idle()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to get channel from pool", err, start)
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueInspector reports the depth of a queue
type QueueInspector interface {
	QueueDepth(ctx context.Context, address string) (int, error)
}

// QueueChecker checks that a queue is reachable and not backed up
type QueueChecker struct {
	queueName string
	inspector QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker that reports degraded once more
// than threshold messages are waiting
func NewQueueChecker(queueName string, inspector QueueInspector, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = 10000
	}
	return &QueueChecker{
		queueName: queueName,
		inspector: inspector,
		threshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	depth, err := c.inspector.QueueDepth(ctx, c.queueName)
	if err != nil {
		return result.fail(StatusUnhealthy, fmt.Sprintf("Queue %s not accessible", c.queueName), err, start)
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = c.queueName
	result.Details["message_count"] = depth
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if depth > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}
	return result
}

// StatsProvider exposes the load of a bridge
type StatsProvider interface {
	Stats() bridge.Stats
}

// BridgeChecker reports pending requests against the admission bound
type BridgeChecker struct {
	name     string
	provider StatsProvider
	degraded float64
}

// NewBridgeChecker creates a bridge checker. The bridge is degraded above
// 90% of its capacity and unhealthy when it is not running.
func NewBridgeChecker(name string, provider StatsProvider) *BridgeChecker {
	if name == "" {
		name = "bridge"
	}
	return &BridgeChecker{
		name:     name,
		provider: provider,
		degraded: 0.9,
	}
}

func (c *BridgeChecker) Name() string {
	return c.name
}

func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	stats := c.provider.Stats()
	result.Details["state"] = stats.State.String()
	result.Details["pending"] = stats.Pending
	result.Details["capacity"] = stats.Capacity

	switch {
	case stats.State != bridge.StateRunning:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Bridge is %s", stats.State)
	case stats.Capacity > 0 && float64(stats.Pending) > c.degraded*float64(stats.Capacity):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Bridge near capacity: %d/%d pending", stats.Pending, stats.Capacity)
	default:
		result.Status = StatusHealthy
		result.Message = "Bridge is accepting requests"
	}
	result.Duration = time.Since(start)
	return result
}

// PingChecker checks a transport that can be pinged
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker calling ping
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)
	if err := c.ping(ctx); err != nil {
		return result.fail(StatusUnhealthy, "Ping failed", err, start)
	}
	result.Status = StatusHealthy
	result.Message = "Ping succeeded"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker checks the goroutine count of the process
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warningGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}

// HostChecker checks memory pressure on the host
type HostChecker struct {
	warningPercent  float64
	criticalPercent float64
	memoryUsed      func(ctx context.Context) (float64, error)
}

// NewHostChecker creates a host checker with used-memory thresholds in percent
func NewHostChecker(warningPercent, criticalPercent float64) *HostChecker {
	return &HostChecker{
		warningPercent:  warningPercent,
		criticalPercent: criticalPercent,
		memoryUsed: func(ctx context.Context) (float64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
	}
}

func (c *HostChecker) Name() string {
	return "host"
}

func (c *HostChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	used, err := c.memoryUsed(ctx)
	if err != nil {
		return result.fail(StatusDegraded, "Host memory unavailable", err, start)
	}
	result.Details["memory_used_percent"] = used
	if avg, err := load.AvgWithContext(ctx); err == nil {
		result.Details["load1"] = avg.Load1
	}

	switch {
	case used >= c.criticalPercent:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Host memory critical: %.1f%% used", used)
	case used >= c.warningPercent:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Host memory high: %.1f%% used", used)
	default:
		result.Status = StatusHealthy
		result.Message = "Host is normal"
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	status, message, details, err := c.checker(ctx)
	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

func newResult(name string, start time.Time) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]any),
	}
}

func (r CheckResult) fail(status Status, message string, err error, start time.Time) CheckResult {
	r.Status = status
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(start)
	return r
}
