package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-httpbridge/channel"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeBroker is an in-process MQTT client that keeps retained messages and
// delivers publishes to subscribers synchronously
type fakeBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	handlers map[string]mqtt.MessageHandler
	unsubs   []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained: make(map[string][]byte),
		handlers: make(map[string]mqtt.MessageHandler),
	}
}

func (b *fakeBroker) IsConnected() bool      { return true }
func (b *fakeBroker) IsConnectionOpen() bool { return true }
func (b *fakeBroker) Connect() mqtt.Token    { return doneToken{} }
func (b *fakeBroker) Disconnect(uint)        {}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	data := append([]byte(nil), payload.([]byte)...)
	b.mu.Lock()
	if retained {
		if len(data) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = data
		}
	}
	h := b.handlers[topic]
	b.mu.Unlock()

	if h != nil {
		h(b, fakeMessage{topic: topic, payload: data})
	}
	return doneToken{}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	b.handlers[topic] = callback
	data, ok := b.retained[topic]
	b.mu.Unlock()

	if ok {
		callback(b, fakeMessage{topic: topic, payload: data, retained: true})
	}
	return doneToken{}
}

func (b *fakeBroker) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.handlers, topic)
		b.unsubs = append(b.unsubs, topic)
	}
	return doneToken{}
}

func (b *fakeBroker) AddRoute(string, mqtt.MessageHandler) {}

func (b *fakeBroker) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func TestMQTTTransport_RetainedValue(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	tr := NewFromClient(broker, Config{})
	defer tr.Close()

	pub, err := tr.Open(ctx, "reply", 3*time.Second)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []byte("OK")))

	stored := broker.retained["httpbridge/reply"]
	f, err := channel.Unstamp(stored)
	require.NoError(t, err)
	assert.Equal(t, []byte("OK"), f.Data)
	assert.Equal(t, 3*time.Second, f.Persistence)

	v, err := pub.Latest(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("OK"), v)
}

func TestMQTTTransport_RetainedValueSeenByNewSubscriber(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()

	// Another process published the value before we subscribed
	broker.retained["httpbridge/output"] = channel.Stamp([]byte("Hello"), time.Now(), 3*time.Second)

	tr := NewFromClient(broker, Config{})
	defer tr.Close()

	ch, err := tr.Open(ctx, "output", 0)
	require.NoError(t, err)
	v, err := ch.Latest(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), v)
}

func TestMQTTTransport_ExpiredRetainedValueIgnored(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	broker.retained["httpbridge/output"] = channel.Stamp([]byte("stale"), time.Now().Add(-time.Minute), time.Second)

	tr := NewFromClient(broker, Config{})
	defer tr.Close()

	ch, err := tr.Open(ctx, "output", 0)
	require.NoError(t, err)
	_, err = ch.Latest(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, channel.ErrTimeout)
}

func TestMQTTTransport_ZeroPersistence(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	tr := NewFromClient(broker, Config{})
	defer tr.Close()

	retained, err := tr.Open(ctx, "topic", time.Second)
	require.NoError(t, err)
	transient, err := tr.Open(ctx, "topic", 0)
	require.NoError(t, err)

	require.NoError(t, retained.Publish(ctx, []byte("old")))
	require.NoError(t, transient.Publish(ctx, []byte("new")))

	_, ok := broker.retained["httpbridge/topic"]
	assert.False(t, ok, "zero persistence publish must clear the retained value")

	_, err = transient.Latest(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, channel.ErrTimeout)
}

func TestMQTTTransport_UnsubscribesOnLastClose(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	tr := NewFromClient(broker, Config{TopicPrefix: "node/"})
	defer tr.Close()

	a, err := tr.Open(ctx, "reply", time.Second)
	require.NoError(t, err)
	b, err := tr.Open(ctx, "reply", time.Second)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.Empty(t, broker.unsubs)
	require.NoError(t, b.Close())
	assert.Equal(t, []string{"node/reply"}, broker.unsubs)
	assert.ErrorIs(t, b.Close(), channel.ErrClosed)
}

func TestMQTTTransport_Subscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newFakeBroker()
	tr := NewFromClient(broker, Config{})
	defer tr.Close()

	ch, err := tr.Open(ctx, "HTTPBridge-CMD", 0)
	require.NoError(t, err)
	values, err := ch.(channel.Subscribable).Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, []byte("setup")))
	select {
	case v := <-values:
		assert.Equal(t, []byte("setup"), v)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
}

func TestMQTTTransport_DropsForeignPayloads(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	tr := NewFromClient(broker, Config{})
	defer tr.Close()

	ch, err := tr.Open(ctx, "topic", 0)
	require.NoError(t, err)

	broker.Publish("httpbridge/topic", 1, false, []byte("not stamped"))
	_, err = ch.Latest(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, channel.ErrTimeout)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "tcp://localhost:1883", cfg.Broker)
	assert.Equal(t, "httpbridge/", cfg.TopicPrefix)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Contains(t, cfg.ClientID, "httpbridge-")
}
