package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-httpbridge/channel"
)

func open(t *testing.T, tr *Transport, name string, persistence time.Duration) channel.Channel {
	t.Helper()
	ch, err := tr.Open(context.Background(), name, persistence)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestLatestReturnsRetainedValue(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close()

	pub := open(t, tr, "topic", time.Second)
	sub := open(t, tr, "topic", 0)

	require.NoError(t, pub.Publish(ctx, []byte("one")))
	require.NoError(t, pub.Publish(ctx, []byte("two")))

	v, err := sub.Latest(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	// Reading does not consume the value
	v, err = sub.Latest(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)
}

func TestRetentionWindowExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	tr := New(WithClock(clock))
	defer tr.Close()

	ch := open(t, tr, "topic", 500*time.Millisecond)
	require.NoError(t, ch.Publish(ctx, []byte("v")))

	advance(499 * time.Millisecond)
	_, err := ch.Latest(ctx, time.Millisecond)
	require.NoError(t, err)

	advance(time.Millisecond)
	_, err = ch.Latest(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, channel.ErrTimeout)
}

func TestZeroPersistence(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close()

	pub := open(t, tr, "topic", 0)
	sub := open(t, tr, "topic", 0)

	t.Run("late readers see nothing", func(t *testing.T) {
		require.NoError(t, pub.Publish(ctx, []byte("gone")))
		_, err := sub.Latest(ctx, 20*time.Millisecond)
		assert.ErrorIs(t, err, channel.ErrTimeout)
	})

	t.Run("waiting readers see the value", func(t *testing.T) {
		got := make(chan []byte, 1)
		go func() {
			v, err := sub.Latest(ctx, time.Second)
			if err == nil {
				got <- v
			}
			close(got)
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, pub.Publish(ctx, []byte("live")))
		assert.Equal(t, []byte("live"), <-got)
	})

	t.Run("no wait bound times out immediately", func(t *testing.T) {
		start := time.Now()
		_, err := sub.Latest(ctx, 0)
		assert.ErrorIs(t, err, channel.ErrTimeout)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})
}

func TestLatestHonoursContext(t *testing.T) {
	tr := New()
	defer tr.Close()
	ch := open(t, tr, "topic", 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := ch.Latest(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseWakesReaders(t *testing.T) {
	tr := New()
	ch := open(t, tr, "topic", 0)

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Latest(context.Background(), 5*time.Second)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, channel.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by transport close")
	}

	_, err := tr.Open(context.Background(), "other", 0)
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestClosedHandle(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close()

	ch, err := tr.Open(ctx, "topic", time.Second)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	assert.ErrorIs(t, ch.Close(), channel.ErrClosed)
	assert.ErrorIs(t, ch.Publish(ctx, []byte("x")), channel.ErrClosed)
	_, err = ch.Latest(ctx, time.Millisecond)
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestRetainedValueOutlivesPublisherHandle(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close()

	pub, err := tr.Open(ctx, "reply", time.Second)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []byte("status")))
	require.NoError(t, pub.Close())

	reader := open(t, tr, "reply", 0)
	v, err := reader.Latest(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("status"), v)
}

func TestUnretainedTopicsAreReleased(t *testing.T) {
	tr := New()
	defer tr.Close()

	ch, err := tr.Open(context.Background(), "scratch", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.TopicCount())
	require.NoError(t, ch.Close())
	assert.Equal(t, 0, tr.TopicCount())
}

func TestSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := New()
	defer tr.Close()

	pub := open(t, tr, "commands", 0)
	sub := open(t, tr, "commands", 0)

	values, err := sub.(channel.Subscribable).Subscribe(ctx)
	require.NoError(t, err)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, pub.Publish(ctx, []byte(v)))
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case v := <-values:
			got = append(got, string(v))
		case <-time.After(time.Second):
			t.Fatal("subscriber missed a value")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-values
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidTopic(t *testing.T) {
	tr := New()
	defer tr.Close()

	_, err := tr.Open(context.Background(), "", 0)
	assert.ErrorIs(t, err, channel.ErrInvalidTopic)
	_, err = tr.Open(context.Background(), "x", -time.Second)
	assert.ErrorIs(t, err, channel.ErrInvalidTopic)
}
