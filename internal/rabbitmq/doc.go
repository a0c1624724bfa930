// Package rabbitmq provides the RabbitMQ plumbing behind the rabbitmq channel
// transport.
//
// This package includes:
//   - ConnectionManager: one AMQP connection with automatic reconnection
//   - ChannelPool: pooled AMQP channels with idle cleanup
//   - TopologyManager: declares latest-value topic queues
//   - Publisher: publishes with confirms and per-message expiration
//
// A latest-value topic is a queue holding at most one message
// (x-max-length=1, x-overflow=drop-head). The message expiration carries the
// publisher's retention window, so the broker discards stale values.
package rabbitmq
