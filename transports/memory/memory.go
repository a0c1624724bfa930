// Package memory provides an in-process latest-value pub/sub node.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-httpbridge/channel"
)

// Transport is an in-process node holding latest-value topics
type Transport struct {
	mu        sync.Mutex
	topics    map[string]*topic
	closed    bool
	now       func() time.Time
	subBuffer int
	logger    *slog.Logger
}

// Option configures the memory transport
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

// WithSubscriberBuffer sets how many values a slow subscriber may lag behind
func WithSubscriberBuffer(n int) Option {
	return func(t *Transport) {
		t.subBuffer = n
	}
}

// New creates an empty node
func New(opts ...Option) *Transport {
	t := &Transport{
		topics:    make(map[string]*topic),
		now:       time.Now,
		subBuffer: 256,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements channel.Transport
func (t *Transport) Name() string {
	return "memory"
}

// Open implements channel.Transport
func (t *Transport) Open(ctx context.Context, name string, persistence time.Duration) (channel.Channel, error) {
	if err := channel.ValidateTopic(name, persistence); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &channel.TransportError{Op: "open", Topic: name, Err: channel.ErrClosed}
	}

	tp, ok := t.topics[name]
	if !ok {
		tp = newTopic(name)
		t.topics[name] = tp
	}
	tp.refs++

	return &memChannel{
		transport:   t,
		topic:       tp,
		persistence: persistence,
		done:        make(chan struct{}),
	}, nil
}

// Close closes every topic and wakes all waiting readers
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	topics := t.topics
	t.topics = make(map[string]*topic)
	t.mu.Unlock()

	for _, tp := range topics {
		tp.close()
	}
	return nil
}

// TopicCount returns the number of topics currently held
func (t *Transport) TopicCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.topics)
}

func (t *Transport) release(tp *topic) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp.refs--
	if tp.refs > 0 || t.topics[tp.name] != tp {
		return
	}

	remaining := tp.retainedFor(t.now())
	if remaining <= 0 {
		delete(t.topics, tp.name)
		return
	}
	// Keep the retained value readable by handles opened later
	time.AfterFunc(remaining, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if tp.refs == 0 && t.topics[tp.name] == tp && tp.retainedFor(t.now()) <= 0 {
			delete(t.topics, tp.name)
		}
	})
}

type subscriber struct {
	ch chan []byte
}

type topic struct {
	name string
	refs int

	mu        sync.Mutex
	last      []byte
	expiresAt time.Time
	version   uint64
	notify    chan struct{}
	subs      map[*subscriber]struct{}
	closed    bool
	done      chan struct{}
}

func newTopic(name string) *topic {
	return &topic{
		name:   name,
		notify: make(chan struct{}),
		subs:   make(map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
}

func (tp *topic) retainedFor(now time.Time) time.Duration {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.expiresAt.IsZero() {
		return 0
	}
	return tp.expiresAt.Sub(now)
}

func (tp *topic) publish(data []byte, persistence time.Duration, now time.Time, logger *slog.Logger) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return channel.ErrClosed
	}

	tp.last = append([]byte(nil), data...)
	tp.version++
	if persistence > 0 {
		tp.expiresAt = now.Add(persistence)
	} else {
		tp.expiresAt = time.Time{}
	}

	close(tp.notify)
	tp.notify = make(chan struct{})

	for sub := range tp.subs {
		select {
		case sub.ch <- append([]byte(nil), data...):
		default:
			logger.Warn("dropping value for slow subscriber", "topic", tp.name)
		}
	}
	return nil
}

func (tp *topic) close() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return
	}
	tp.closed = true
	close(tp.notify)
	close(tp.done)
	for sub := range tp.subs {
		delete(tp.subs, sub)
		close(sub.ch)
	}
}

func (tp *topic) removeSubscriber(sub *subscriber) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if _, ok := tp.subs[sub]; ok {
		delete(tp.subs, sub)
		close(sub.ch)
	}
}

type memChannel struct {
	transport   *Transport
	topic       *topic
	persistence time.Duration
	closed      atomic.Bool
	done        chan struct{}
}

func (c *memChannel) Name() string {
	return c.topic.name
}

func (c *memChannel) Persistence() time.Duration {
	return c.persistence
}

func (c *memChannel) Publish(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return channel.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.topic.publish(data, c.persistence, c.transport.now(), c.transport.logger); err != nil {
		return &channel.TransportError{Op: "publish", Topic: c.topic.name, Err: err}
	}
	return nil
}

func (c *memChannel) Latest(ctx context.Context, wait time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, channel.ErrClosed
	}
	tp := c.topic
	bound := channel.WaitBound(wait, c.persistence)

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, &channel.TransportError{Op: "latest", Topic: tp.name, Err: channel.ErrClosed}
	}
	if !tp.expiresAt.IsZero() && c.transport.now().Before(tp.expiresAt) {
		v := append([]byte(nil), tp.last...)
		tp.mu.Unlock()
		return v, nil
	}
	version := tp.version
	notify := tp.notify
	tp.mu.Unlock()

	if bound <= 0 {
		return nil, fmt.Errorf("%w: %s has no retained value", channel.ErrTimeout, tp.name)
	}

	timer := time.NewTimer(bound)
	defer timer.Stop()

	for {
		select {
		case <-notify:
			tp.mu.Lock()
			if tp.closed {
				tp.mu.Unlock()
				return nil, &channel.TransportError{Op: "latest", Topic: tp.name, Err: channel.ErrClosed}
			}
			if tp.version != version {
				v := append([]byte(nil), tp.last...)
				tp.mu.Unlock()
				return v, nil
			}
			notify = tp.notify
			tp.mu.Unlock()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %s", channel.ErrTimeout, tp.name, bound)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, channel.ErrClosed
		}
	}
}

// Subscribe delivers every value published after the call until ctx is done
// or the channel is closed
func (c *memChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if c.closed.Load() {
		return nil, channel.ErrClosed
	}
	tp := c.topic
	sub := &subscriber{ch: make(chan []byte, c.transport.subBuffer)}

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, &channel.TransportError{Op: "subscribe", Topic: tp.name, Err: channel.ErrClosed}
	}
	tp.subs[sub] = struct{}{}
	tp.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-tp.done:
		}
		tp.removeSubscriber(sub)
	}()

	return sub.ch, nil
}

func (c *memChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return channel.ErrClosed
	}
	close(c.done)
	c.transport.release(c.topic)
	return nil
}
