// Package rabbitmq provides the AMQP building blocks used by the RabbitMQ
// transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with backoff
//   - ChannelPool: pools confirm-mode channels
//   - Publisher: publishes to a queue and waits for the broker confirm
//   - Consumer: consumes a queue into a buffer drained by Poll
//   - TopologyManager: declares, inspects and deletes queues
package rabbitmq
