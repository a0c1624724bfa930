// Package kafka implements latest-value topics on Kafka. Each topic is a
// single-partition log; the latest value is the last record whose publish
// time plus its persistence header is still in the future.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/mmate-httpbridge/channel"
)

// PersistenceHeader carries a record's retention window in milliseconds
const PersistenceHeader = "httpbridge-persistence-ms"

// Config holds the Kafka connection settings
type Config struct {
	Brokers           []string      `yaml:"brokers"`
	TopicPrefix       string        `yaml:"topicPrefix"`
	ReplicationFactor int           `yaml:"replicationFactor"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	MaxBytes          int           `yaml:"maxBytes"`
}

func (c Config) withDefaults() Config {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "httpbridge."
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10e6
	}
	return c
}

// TopicName returns the Kafka topic backing a channel topic. Kafka topic
// names only allow [a-zA-Z0-9._-], so other characters become '_'.
func (c Config) TopicName(name string) string {
	b := []byte(c.TopicPrefix + name)
	for i, ch := range b {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.' || ch == '_' || ch == '-':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// Transport implements channel.Transport on Kafka
type Transport struct {
	cfg    Config
	dialer *kafka.Dialer
	writer *kafka.Writer
	now    func() time.Time
	logger *slog.Logger
	closed atomic.Bool

	mu       sync.Mutex
	declared map[string]bool
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithClock overrides the clock used for stamping and retention checks
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// New checks a broker is reachable and returns a transport
func New(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:      cfg,
		dialer:   &kafka.Dialer{Timeout: cfg.DialTimeout},
		now:      time.Now,
		logger:   slog.Default(),
		declared: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, &channel.TransportError{Op: "connect", Topic: "*", Err: err}
	}
	_ = conn.Close()

	t.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           5 * time.Millisecond,
	}
	t.logger.Info("connected to Kafka", "brokers", cfg.Brokers)
	return t, nil
}

// Name implements channel.Transport
func (t *Transport) Name() string {
	return "kafka"
}

// Open creates the backing topic if needed and returns a handle on it
func (t *Transport) Open(ctx context.Context, name string, persistence time.Duration) (channel.Channel, error) {
	if err := channel.ValidateTopic(name, persistence); err != nil {
		return nil, err
	}
	if t.closed.Load() {
		return nil, &channel.TransportError{Op: "open", Topic: name, Err: channel.ErrClosed}
	}
	topic := t.cfg.TopicName(name)
	if err := t.declare(ctx, topic); err != nil {
		return nil, &channel.TransportError{Op: "open", Topic: name, Err: err}
	}
	return &kafkaChannel{
		transport:   t,
		name:        name,
		topic:       topic,
		persistence: persistence,
	}, nil
}

func (t *Transport) declare(ctx context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.declared[topic] {
		return nil
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", t.cfg.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}
	ctrl, err := t.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: t.cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	t.declared[topic] = true
	t.logger.Debug("declared topic", "topic", topic)
	return nil
}

// Close releases the writer
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.writer != nil {
		return t.writer.Close()
	}
	return nil
}

// record builds the Kafka message for one publish
func record(topic string, data []byte, publishedAt time.Time, persistence time.Duration) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Value: data,
		Time:  publishedAt,
		Headers: []kafka.Header{
			{Key: PersistenceHeader, Value: []byte(strconv.FormatInt(persistence.Milliseconds(), 10))},
		},
	}
}

// frame recovers the publish time and window of a record. Records without
// the header are treated as unretained.
func frame(m kafka.Message) (channel.Frame, error) {
	f := channel.Frame{PublishedAt: m.Time, Data: m.Value}
	for _, h := range m.Headers {
		if h.Key != PersistenceHeader {
			continue
		}
		ms, err := strconv.ParseInt(string(h.Value), 10, 64)
		if err != nil || ms < 0 {
			return f, fmt.Errorf("%w: bad %s header %q", channel.ErrMalformed, PersistenceHeader, h.Value)
		}
		f.Persistence = time.Duration(ms) * time.Millisecond
	}
	return f, nil
}

type kafkaChannel struct {
	transport   *Transport
	name        string
	topic       string
	persistence time.Duration
	closed      atomic.Bool
}

func (c *kafkaChannel) Name() string {
	return c.name
}

func (c *kafkaChannel) Persistence() time.Duration {
	return c.persistence
}

func (c *kafkaChannel) usable() error {
	if c.closed.Load() || c.transport.closed.Load() {
		return channel.ErrClosed
	}
	return nil
}

func (c *kafkaChannel) Publish(ctx context.Context, data []byte) error {
	if err := c.usable(); err != nil {
		return err
	}
	t := c.transport
	if err := t.writer.WriteMessages(ctx, record(c.topic, data, t.now(), c.persistence)); err != nil {
		return &channel.TransportError{Op: "publish", Topic: c.name, Err: err}
	}
	return nil
}

// tail returns the last record if it is still retained, and the offset new
// records will be written at
func (c *kafkaChannel) tail(ctx context.Context) ([]byte, bool, int64, error) {
	t := c.transport
	conn, err := t.dialer.DialLeader(ctx, "tcp", t.cfg.Brokers[0], c.topic, 0)
	if err != nil {
		return nil, false, 0, err
	}
	defer conn.Close()

	first, last, err := conn.ReadOffsets()
	if err != nil {
		return nil, false, 0, err
	}
	if last <= first {
		return nil, false, last, nil
	}

	if _, err := conn.Seek(last-1, kafka.SeekAbsolute); err != nil {
		return nil, false, last, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	m, err := conn.ReadMessage(t.cfg.MaxBytes)
	if err != nil {
		return nil, false, last, err
	}
	f, err := frame(m)
	if err != nil {
		t.logger.Warn("ignoring malformed record", "topic", c.name, "error", err)
		return nil, false, last, nil
	}
	if !f.Live(t.now()) {
		return nil, false, last, nil
	}
	return f.Data, true, last, nil
}

func (c *kafkaChannel) reader(offset int64) (*kafka.Reader, error) {
	t := c.transport
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   t.cfg.Brokers,
		Topic:     c.topic,
		Partition: 0,
		Dialer:    t.dialer,
		MinBytes:  1,
		MaxBytes:  t.cfg.MaxBytes,
		MaxWait:   100 * time.Millisecond,
	})
	if err := r.SetOffset(offset); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (c *kafkaChannel) Latest(ctx context.Context, wait time.Duration) ([]byte, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}

	v, ok, next, err := c.tail(ctx)
	if err != nil {
		return nil, &channel.TransportError{Op: "latest", Topic: c.name, Err: err}
	}
	if ok {
		return v, nil
	}

	bound := channel.WaitBound(wait, c.persistence)
	if bound <= 0 {
		return nil, fmt.Errorf("%w: %s has no retained value", channel.ErrTimeout, c.name)
	}

	waitCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	r, err := c.reader(next)
	if err != nil {
		return nil, &channel.TransportError{Op: "latest", Topic: c.name, Err: err}
	}
	defer r.Close()

	for {
		m, err := r.ReadMessage(waitCtx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", channel.ErrTimeout, c.name, bound)
			}
			return nil, &channel.TransportError{Op: "latest", Topic: c.name, Err: err}
		}
		f, err := frame(m)
		if err != nil {
			c.transport.logger.Warn("ignoring malformed record", "topic", c.name, "error", err)
			continue
		}
		return f.Data, nil
	}
}

// Subscribe delivers every record written after the call
func (c *kafkaChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	_, _, next, err := c.tail(ctx)
	if err != nil {
		return nil, &channel.TransportError{Op: "subscribe", Topic: c.name, Err: err}
	}
	r, err := c.reader(next)
	if err != nil {
		return nil, &channel.TransportError{Op: "subscribe", Topic: c.name, Err: err}
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer r.Close()
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.transport.logger.Warn("subscription ended", "topic", c.name, "error", err)
				}
				return
			}
			select {
			case out <- m.Value:
			default:
				c.transport.logger.Warn("dropping value for slow subscriber", "topic", c.name)
			}
		}
	}()
	return out, nil
}

func (c *kafkaChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return channel.ErrClosed
	}
	return nil
}
