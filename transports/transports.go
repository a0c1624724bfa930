// Package transports builds a channel.Transport from configuration.
package transports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/transports/kafka"
	"github.com/glimte/mmate-httpbridge/transports/memory"
	"github.com/glimte/mmate-httpbridge/transports/mqtt"
	"github.com/glimte/mmate-httpbridge/transports/rabbitmq"
	"github.com/glimte/mmate-httpbridge/transports/redis"
)

// Type names a transport implementation
type Type string

const (
	TypeMemory   Type = "memory"
	TypeRedis    Type = "redis"
	TypeRabbitMQ Type = "rabbitmq"
	TypeMQTT     Type = "mqtt"
	TypeKafka    Type = "kafka"
)

// Valid reports whether t is a known transport type
func (t Type) Valid() bool {
	switch t {
	case TypeMemory, TypeRedis, TypeRabbitMQ, TypeMQTT, TypeKafka:
		return true
	}
	return false
}

// Config selects a transport and carries the settings of each kind
type Config struct {
	Type     Type            `yaml:"type"`
	Redis    redis.Config    `yaml:"redis"`
	RabbitMQ rabbitmq.Config `yaml:"rabbitmq"`
	MQTT     mqtt.Config     `yaml:"mqtt"`
	Kafka    kafka.Config    `yaml:"kafka"`
}

// New connects the configured transport. An empty type selects memory.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (channel.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", string(cfg.Type))

	var (
		tr  channel.Transport
		err error
	)
	switch cfg.Type {
	case TypeMemory, "":
		tr = memory.New(memory.WithLogger(logger))

	case TypeRedis:
		var r *redis.Transport
		if r, err = redis.New(ctx, cfg.Redis, redis.WithLogger(logger)); err == nil {
			tr = r
		}

	case TypeRabbitMQ:
		var r *rabbitmq.Transport
		if r, err = rabbitmq.NewTransport(ctx, cfg.RabbitMQ, rabbitmq.WithLogger(logger)); err == nil {
			tr = r
		}

	case TypeMQTT:
		var m *mqtt.Transport
		if m, err = mqtt.New(cfg.MQTT, mqtt.WithLogger(logger)); err == nil {
			tr = m
		}

	case TypeKafka:
		var k *kafka.Transport
		if k, err = kafka.New(ctx, cfg.Kafka, kafka.WithLogger(logger)); err == nil {
			tr = k
		}

	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Type, err)
	}
	return tr, nil
}
