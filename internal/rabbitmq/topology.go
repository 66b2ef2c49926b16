package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares and inspects queues
type TopologyManager struct {
	pool *ChannelPool
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// QueueInfo reports the state of a declared queue
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// QueueFromAddress maps broker-neutral address options to a queue declaration.
// A message TTL becomes x-message-ttl so requests nobody consumed in time are
// discarded by the broker.
func QueueFromAddress(name string, opts messaging.AddressOptions) QueueDeclaration {
	q := QueueDeclaration{
		Name:       name,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Exclusive:  opts.Exclusive,
	}
	if opts.MessageTTL > 0 {
		q.Arguments = amqp.Table{
			"x-message-ttl": int64(opts.MessageTTL / time.Millisecond),
		}
	}
	return q
}

// DeclareQueues declares every queue on one channel
func (tm *TopologyManager) DeclareQueues(ctx context.Context, queues ...QueueDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, queue := range queues {
			if _, err := declareQueue(ch.Channel, queue); err != nil {
				return &TopologyError{
					Component: "queue",
					Name:      queue.Name,
					Op:        "declare",
					Err:       err,
					Timestamp: time.Now(),
				}
			}
		}
		return nil
	})
}

// GetQueueInfo retrieves queue information
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (QueueInfo, error) {
	var info QueueInfo
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
		info = QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}
		return nil
	})
	return info, err
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		_, err := ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}
