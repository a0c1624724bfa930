package httpbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/config"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/internal/loopback"
	"github.com/glimte/mmate-httpbridge/transports/memory"
)

func TestClientFetch(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	defer tr.Close()

	module := loopback.New(tr,
		loopback.WithRoute("http://example.com", loopback.Route{
			Body:            []byte("Hello"),
			ResponseMessage: "OK",
		}),
		loopback.WithRoute("http://empty.example.com", loopback.Route{ResponseCode: 204}),
	)
	require.NoError(t, module.Start(ctx))
	defer module.Stop()

	client, err := NewClientWithTransport(ctx, tr, WithBridgeOptions(bridge.WithPayloadTimeout(100*time.Millisecond)))
	require.NoError(t, err)
	defer client.Close(ctx)

	t.Run("with body", func(t *testing.T) {
		result, err := client.Fetch(ctx, "http://example.com", bridge.Request{
			Headers: map[string]string{"Content-Language": "en-US"},
		})
		require.NoError(t, err)
		assert.Equal(t, 200, result.StatusCode)
		assert.Equal(t, "OK", result.Message)
		assert.Equal(t, []byte("Hello"), result.Body)
	})

	t.Run("empty body", func(t *testing.T) {
		result, err := client.Fetch(ctx, "http://empty.example.com", bridge.Request{Method: "HEAD"})
		require.NoError(t, err)
		assert.Equal(t, 204, result.StatusCode)
		assert.Nil(t, result.Body)
	})

	t.Run("setup rejected", func(t *testing.T) {
		_, err := client.Fetch(ctx, "http://unrouted.example.com", bridge.Request{})
		require.Error(t, err)
		code, ok := contracts.StatusCodeOf(err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusErrorConnect, code)
	})

	assert.Equal(t, 0, module.Connections())
	assert.Equal(t, 2, module.Count(contracts.KindTeardown))
	assert.Equal(t, 0, client.Bridge().Registry().Len())
}

func TestClientCloseKeepsForeignTransport(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	defer tr.Close()

	client, err := NewClientWithTransport(ctx, tr)
	require.NoError(t, err)
	require.NoError(t, client.Close(ctx))

	ch, err := tr.Open(ctx, "still-open", time.Second)
	require.NoError(t, err)
	assert.NoError(t, ch.Close())
}

func TestNewClientFromConfig(t *testing.T) {
	ctx := context.Background()

	client, err := NewClient(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", client.Transport().Name())
	assert.Equal(t, "HTTPBridge-CMD", client.Bridge().Config().CommandTopic)
	require.NoError(t, client.Close(ctx))

	_, err = client.Transport().Open(ctx, "after-close", time.Second)
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Bridge.WaitBound = 0
	_, err = NewClient(ctx, cfg)
	assert.ErrorContains(t, err, "bridge.waitBound")
}
