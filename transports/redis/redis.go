// Package redis implements latest-value topics on Redis. The retained value
// lives under a key with a PX expiry equal to the publisher's persistence, and
// every publish is also sent on a pub/sub channel to wake waiting readers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-httpbridge/channel"
)

// Config holds the Redis connection settings
type Config struct {
	Addrs       []string `yaml:"addrs"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	ClusterMode bool     `yaml:"clusterMode"`
	PoolSize    int      `yaml:"poolSize"`
	Prefix      string   `yaml:"prefix"`
}

// Transport implements channel.Transport on Redis
type Transport struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	logger     *slog.Logger
	closed     atomic.Bool
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithPrefix sets the key and channel prefix
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// New connects to Redis and returns a transport owning the client
func New(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}

	var client redis.UniversalClient
	if cfg.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
			PoolSize: cfg.PoolSize,
		})
	} else {
		addr := "localhost:6379"
		if len(cfg.Addrs) > 0 {
			addr = cfg.Addrs[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, &channel.TransportError{Op: "connect", Topic: "*", Err: err}
	}

	if cfg.Prefix != "" {
		opts = append([]Option{WithPrefix(cfg.Prefix)}, opts...)
	}
	t := NewFromClient(client, opts...)
	t.ownsClient = true
	return t, nil
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client: client,
		prefix: "httpbridge",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements channel.Transport
func (t *Transport) Name() string {
	return "redis"
}

// Open implements channel.Transport
func (t *Transport) Open(ctx context.Context, name string, persistence time.Duration) (channel.Channel, error) {
	if err := channel.ValidateTopic(name, persistence); err != nil {
		return nil, err
	}
	if t.closed.Load() {
		return nil, &channel.TransportError{Op: "open", Topic: name, Err: channel.ErrClosed}
	}
	return &redisChannel{
		transport:   t,
		name:        name,
		key:         fmt.Sprintf("%s:value:%s", t.prefix, name),
		notify:      fmt.Sprintf("%s:notify:%s", t.prefix, name),
		persistence: persistence,
	}, nil
}

// Ping checks the server is reachable
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close releases the client when the transport created it
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

type redisChannel struct {
	transport   *Transport
	name        string
	key         string
	notify      string
	persistence time.Duration
	closed      atomic.Bool
}

func (c *redisChannel) Name() string {
	return c.name
}

func (c *redisChannel) Persistence() time.Duration {
	return c.persistence
}

func (c *redisChannel) usable() error {
	if c.closed.Load() || c.transport.closed.Load() {
		return channel.ErrClosed
	}
	return nil
}

func (c *redisChannel) Publish(ctx context.Context, data []byte) error {
	if err := c.usable(); err != nil {
		return err
	}

	_, err := c.transport.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if c.persistence > 0 {
			pipe.Set(ctx, c.key, data, c.persistence)
		} else {
			pipe.Del(ctx, c.key)
		}
		pipe.Publish(ctx, c.notify, data)
		return nil
	})
	if err != nil {
		return &channel.TransportError{Op: "publish", Topic: c.name, Err: err}
	}
	return nil
}

func (c *redisChannel) get(ctx context.Context) ([]byte, bool, error) {
	v, err := c.transport.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &channel.TransportError{Op: "latest", Topic: c.name, Err: err}
	}
	return v, true, nil
}

func (c *redisChannel) Latest(ctx context.Context, wait time.Duration) ([]byte, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}

	if v, ok, err := c.get(ctx); err != nil || ok {
		return v, err
	}

	bound := channel.WaitBound(wait, c.persistence)
	if bound <= 0 {
		return nil, fmt.Errorf("%w: %s has no retained value", channel.ErrTimeout, c.name)
	}

	waitCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	sub := c.transport.client.Subscribe(waitCtx, c.notify)
	defer sub.Close()

	if _, err := sub.Receive(waitCtx); err != nil {
		return nil, c.waitErr(ctx, bound, err)
	}

	// A publish may have landed between the first GET and the subscription
	if v, ok, err := c.get(waitCtx); err != nil || ok {
		return v, err
	}

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, &channel.TransportError{Op: "latest", Topic: c.name, Err: channel.ErrClosed}
		}
		return []byte(msg.Payload), nil
	case <-waitCtx.Done():
		return nil, c.waitErr(ctx, bound, waitCtx.Err())
	}
}

func (c *redisChannel) waitErr(ctx context.Context, bound time.Duration, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", channel.ErrTimeout, c.name, bound)
	}
	return &channel.TransportError{Op: "latest", Topic: c.name, Err: err}
}

// Subscribe delivers every value published after the call
func (c *redisChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}

	sub := c.transport.client.Subscribe(ctx, c.notify)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, &channel.TransportError{Op: "subscribe", Topic: c.name, Err: err}
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					c.transport.logger.Warn("dropping value for slow subscriber", "topic", c.name)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *redisChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return channel.ErrClosed
	}
	return nil
}
