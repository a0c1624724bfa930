package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/transports"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, transports.TypeMemory, cfg.Transport.Type)
	assert.Equal(t, "HTTPBridge-CMD", cfg.Bridge.CommandTopic)
	assert.Equal(t, 3*time.Second, cfg.Bridge.ReplyPersistence)
	assert.Equal(t, 3*time.Second, cfg.Bridge.OutputPersistence)
	assert.Equal(t, 30*time.Second, cfg.Bridge.InputPersistence)
	assert.Equal(t, time.Second, cfg.Bridge.WaitBound)
	assert.Equal(t, time.Second, cfg.Bridge.PayloadTimeout)
	assert.Zero(t, cfg.Bridge.CommandRate)
	assert.Equal(t, 256, cfg.Bridge.RetiredCapacity)
	assert.Equal(t, 5, cfg.Bridge.CircuitBreaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Bridge.CircuitBreaker.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "httpbridge.yaml")
	data := []byte(`
transport:
  type: redis
  redis:
    addrs: ["localhost:6379"]
    db: 2
bridge:
  commandTopic: /node7/HTTPBridge-CMD
  replyPersistence: 0s
  waitBound: 2500ms
  commandRate: 50
  circuitBreaker:
    threshold: 3
    timeout: 15s
log:
  level: debug
metrics:
  addr: ":9102"
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, transports.TypeRedis, cfg.Transport.Type)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Transport.Redis.Addrs)
	assert.Equal(t, 2, cfg.Transport.Redis.DB)
	assert.Equal(t, "/node7/HTTPBridge-CMD", cfg.Bridge.CommandTopic)
	assert.Zero(t, cfg.Bridge.ReplyPersistence)
	assert.Equal(t, 2500*time.Millisecond, cfg.Bridge.WaitBound)
	assert.Equal(t, 50.0, cfg.Bridge.CommandRate)
	// Unset keys keep their defaults
	assert.Equal(t, 3*time.Second, cfg.Bridge.OutputPersistence)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)
	assert.Equal(t, BreakerConfig{Threshold: 3, Timeout: 15 * time.Second}, cfg.Bridge.CircuitBreaker)

	opts := cfg.Bridge.Options()
	assert.Len(t, opts, 11)
	applied := bridge.DefaultConfig()
	for _, opt := range opts {
		opt(&applied)
	}
	assert.Equal(t, 3, applied.BreakerThreshold)
	assert.Equal(t, 15*time.Second, applied.BreakerTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "malformed",
			yaml: "bridge: [",
			want: []string{"parse config"},
		},
		{
			name: "bad duration",
			yaml: "bridge:\n  waitBound: soon\n",
			want: []string{"parse config"},
		},
		{
			name: "unknown transport",
			yaml: "transport:\n  type: carrier-pigeon\n",
			want: []string{"transport.type"},
		},
		{
			name: "every bad setting is reported",
			yaml: "bridge:\n  commandTopic: \"\"\n  waitBound: 0s\n  outputPersistence: -1s\nlog:\n  level: loud\n",
			want: []string{"bridge.commandTopic", "bridge.waitBound", "bridge.outputPersistence", "log.level"},
		},
		{
			name: "negative breaker settings",
			yaml: "bridge:\n  circuitBreaker:\n    threshold: -1\n    timeout: -5s\n",
			want: []string{"bridge.circuitBreaker.threshold", "bridge.circuitBreaker.timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			for _, want := range tt.want {
				assert.ErrorContains(t, err, want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "connectionId", "c1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"connectionId":"c1"`)
}
