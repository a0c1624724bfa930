// Package mqtt implements latest-value topics on an MQTT broker. Retained
// messages carry the latest value; each payload is stamped with its publish
// time and window so values retained past their window are ignored.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/transports/memory"
)

// Config holds the MQTT connection settings
type Config struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"clientId"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topicPrefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

func (c Config) withDefaults() Config {
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
	if c.ClientID == "" {
		c.ClientID = "httpbridge-" + uuid.NewString()[:8]
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "httpbridge/"
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Transport implements channel.Transport on MQTT. Arrivals are cached in an
// in-process latest-value node that readers wait on.
type Transport struct {
	cfg        Config
	client     mqtt.Client
	ownsClient bool
	cache      *memory.Transport
	now        func() time.Time
	logger     *slog.Logger
	closed     atomic.Bool

	mu   sync.Mutex
	refs map[string]int
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithClock overrides the clock used for retention checks
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// New connects to the broker
func New(cfg Config, opts ...Option) (*Transport, error) {
	cfg = cfg.withDefaults()
	t := newTransport(cfg, nil, opts...)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			t.logger.Info("connected to MQTT broker", "broker", cfg.Broker, "clientId", cfg.ClientID)
			t.resubscribe()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.logger.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
		})
	if cfg.Username != "" {
		clientOpts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, &channel.TransportError{Op: "connect", Topic: "*", Err: fmt.Errorf("no CONNACK within %s", cfg.ConnectTimeout)}
	}
	if err := token.Error(); err != nil {
		return nil, &channel.TransportError{Op: "connect", Topic: "*", Err: err}
	}

	t.client = client
	t.ownsClient = true
	return t, nil
}

// NewFromClient wraps a connected client. Close leaves the client connected.
func NewFromClient(client mqtt.Client, cfg Config, opts ...Option) *Transport {
	return newTransport(cfg.withDefaults(), client, opts...)
}

func newTransport(cfg Config, client mqtt.Client, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		logger: slog.Default(),
		refs:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cache = memory.New(memory.WithLogger(t.logger), memory.WithClock(t.now))
	return t
}

// Name implements channel.Transport
func (t *Transport) Name() string {
	return "mqtt"
}

// Connected reports whether the client holds a live connection
func (t *Transport) Connected() bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *Transport) topic(name string) string {
	return t.cfg.TopicPrefix + name
}

// Open subscribes to the topic on first use and returns a handle on it
func (t *Transport) Open(ctx context.Context, name string, persistence time.Duration) (channel.Channel, error) {
	if err := channel.ValidateTopic(name, persistence); err != nil {
		return nil, err
	}
	if t.closed.Load() {
		return nil, &channel.TransportError{Op: "open", Topic: name, Err: channel.ErrClosed}
	}

	local, err := t.cache.Open(ctx, name, persistence)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs[name] == 0 {
		if err := t.subscribe(name); err != nil {
			_ = local.Close()
			return nil, &channel.TransportError{Op: "open", Topic: name, Err: err}
		}
	}
	t.refs[name]++

	return &mqttChannel{
		transport:   t,
		name:        name,
		persistence: persistence,
		local:       local,
	}, nil
}

func (t *Transport) subscribe(name string) error {
	token := t.client.Subscribe(t.topic(name), t.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		t.deliver(name, msg.Payload())
	})
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		return fmt.Errorf("no SUBACK within %s", t.cfg.ConnectTimeout)
	}
	return token.Error()
}

func (t *Transport) resubscribe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name := range t.refs {
		if err := t.subscribe(name); err != nil {
			t.logger.Error("failed to resubscribe", "topic", name, "error", err)
		}
	}
}

// deliver feeds one broker message into the local cache with whatever is
// left of its retention window
func (t *Transport) deliver(name string, payload []byte) {
	if len(payload) == 0 {
		// Retained value cleared
		return
	}
	f, err := channel.Unstamp(payload)
	if err != nil {
		t.logger.Warn("dropping unstamped MQTT payload", "topic", name, "error", err)
		return
	}

	var remaining time.Duration
	if f.Persistence > 0 {
		remaining = f.PublishedAt.Add(f.Persistence).Sub(t.now())
		if remaining <= 0 {
			t.logger.Debug("ignoring expired retained value", "topic", name)
			return
		}
	}

	ctx := context.Background()
	feeder, err := t.cache.Open(ctx, name, remaining)
	if err != nil {
		return
	}
	defer feeder.Close()
	if err := feeder.Publish(ctx, f.Data); err != nil {
		t.logger.Warn("failed to cache MQTT value", "topic", name, "error", err)
	}
}

func (t *Transport) release(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs[name]--
	if t.refs[name] > 0 {
		return
	}
	delete(t.refs, name)
	if t.closed.Load() {
		return
	}
	token := t.client.Unsubscribe(t.topic(name))
	if token.WaitTimeout(t.cfg.ConnectTimeout) && token.Error() != nil {
		t.logger.Warn("failed to unsubscribe", "topic", name, "error", token.Error())
	}
}

// Close releases the cache and disconnects an owned client
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = t.cache.Close()
	if t.ownsClient {
		t.client.Disconnect(250)
	}
	return nil
}

type mqttChannel struct {
	transport   *Transport
	name        string
	persistence time.Duration
	local       channel.Channel
	closed      atomic.Bool
}

func (c *mqttChannel) Name() string {
	return c.name
}

func (c *mqttChannel) Persistence() time.Duration {
	return c.persistence
}

func (c *mqttChannel) Publish(ctx context.Context, data []byte) error {
	if c.closed.Load() || c.transport.closed.Load() {
		return channel.ErrClosed
	}
	t := c.transport
	topic := t.topic(c.name)
	frame := channel.Stamp(data, t.now(), c.persistence)

	if c.persistence <= 0 {
		// Clear any retained value so late readers see nothing
		if err := c.wait(ctx, t.client.Publish(topic, t.cfg.QoS, true, []byte{})); err != nil {
			return &channel.TransportError{Op: "publish", Topic: c.name, Err: err}
		}
	}
	if err := c.wait(ctx, t.client.Publish(topic, t.cfg.QoS, c.persistence > 0, frame)); err != nil {
		return &channel.TransportError{Op: "publish", Topic: c.name, Err: err}
	}
	return nil
}

func (c *mqttChannel) wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *mqttChannel) Latest(ctx context.Context, wait time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, channel.ErrClosed
	}
	return c.local.Latest(ctx, wait)
}

// Subscribe delivers every value arriving after the call
func (c *mqttChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if c.closed.Load() {
		return nil, channel.ErrClosed
	}
	return c.local.(channel.Subscribable).Subscribe(ctx)
}

func (c *mqttChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return channel.ErrClosed
	}
	_ = c.local.Close()
	c.transport.release(c.name)
	return nil
}
