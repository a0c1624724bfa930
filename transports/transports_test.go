package transports

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/transports/redis"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("memory is the default", func(t *testing.T) {
		tr, err := New(ctx, Config{}, nil)
		require.NoError(t, err)
		defer tr.Close()
		assert.Equal(t, "memory", tr.Name())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		tr, err := New(ctx, Config{Type: TypeRedis, Redis: redis.Config{Addrs: []string{mr.Addr()}}}, nil)
		require.NoError(t, err)
		defer tr.Close()
		assert.Equal(t, "redis", tr.Name())

		ch, err := tr.Open(ctx, "probe", time.Second)
		require.NoError(t, err)
		require.NoError(t, ch.Publish(ctx, []byte("ok")))
		v, err := ch.Latest(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), v)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		tr, err := New(ctx, Config{Type: TypeRedis, Redis: redis.Config{Addrs: []string{"127.0.0.1:1"}}}, nil)
		assert.Nil(t, tr)
		var te *channel.TransportError
		assert.ErrorAs(t, err, &te)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := New(ctx, Config{Type: "carrier-pigeon"}, nil)
		assert.ErrorContains(t, err, "unsupported transport type")
	})
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeMemory, TypeRedis, TypeRabbitMQ, TypeMQTT, TypeKafka} {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, Type("nats").Valid())
}
