package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpbridge "github.com/glimte/mmate-httpbridge"
	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/internal/loopback"
	"github.com/glimte/mmate-httpbridge/transports/memory"
)

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"Content-Language: en-US", "Accept:text/plain"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Content-Language": "en-US", "Accept": "text/plain"}, h)

	h, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, h)

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)
}

func TestParseProxy(t *testing.T) {
	host, port, err := parseProxy("proxy-us.example.com:911")
	require.NoError(t, err)
	assert.Equal(t, "proxy-us.example.com", host)
	assert.Equal(t, 911, port)

	_, _, err = parseProxy("proxy-us.example.com")
	assert.Error(t, err)
	_, _, err = parseProxy("proxy:http")
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	status := &contracts.StatusError{Command: contracts.KindSetup, Code: contracts.StatusErrorDNS, Reason: "no such host"}
	assert.Contains(t, describe(status), "status=ERROR_ON_DNS")
	assert.Equal(t, "TIMEOUT after 1s", describe(&bridge.TimeoutError{Command: contracts.KindData, Waited: time.Second}))
	assert.Equal(t, "boom", describe(errors.New("boom")))
}

func TestRunGetAgainstLoopback(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	defer tr.Close()

	module := loopback.New(tr, loopback.WithRoute("http://example.com", loopback.Route{
		ResponseMessage: "OK",
		Body:            []byte("Hello"),
	}))
	require.NoError(t, module.Start(ctx))
	defer module.Stop()

	client, err := httpbridge.NewClientWithTransport(ctx, tr)
	require.NoError(t, err)
	defer client.Close(ctx)

	var buf bytes.Buffer
	env := &environment{client: client, out: newOutput(&buf, true)}

	err = runGet(ctx, env, "http://example.com", bridge.Request{Method: "GET"}, nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "ConnId=c1 state=ready")
	assert.Contains(t, out, "200 OK")
	assert.Contains(t, out, "Hello")
	assert.Contains(t, out, "closed (closed)")
	assert.Equal(t, 0, module.Connections())

	buf.Reset()
	err = runGet(ctx, env, "http://unrouted.example.com", bridge.Request{Method: "GET"}, nil)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "status=ERROR_ON_CONNECT")
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "httpbridge dev")
}

func TestSetupBreakerThresholdFlag(t *testing.T) {
	ctx := context.Background()

	env, err := setup(ctx, &globalFlags{breakerThreshold: -1, noColor: true}, "")
	require.NoError(t, err)
	breaker := env.client.Bridge().Config().CircuitBreaker
	env.close(ctx)
	require.NotNil(t, breaker)

	env, err = setup(ctx, &globalFlags{breakerThreshold: 0, noColor: true}, "")
	require.NoError(t, err)
	defer env.close(ctx)
	assert.Nil(t, env.client.Bridge().Config().CircuitBreaker)
}
