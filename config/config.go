// Package config loads the YAML configuration of the bridge client and CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/transports"
)

type Config struct {
	Transport transports.Config `yaml:"transport"`
	Bridge    BridgeConfig      `yaml:"bridge"`
	Log       LogConfig         `yaml:"log"`
	Metrics   MetricsConfig     `yaml:"metrics"`
}

// BridgeConfig mirrors bridge.BridgeConfig in YAML form. Durations are
// written as strings such as "3s" or "500ms".
type BridgeConfig struct {
	CommandTopic      string        `yaml:"commandTopic"`
	TopicPrefix       string        `yaml:"topicPrefix"`
	ReplyPersistence  time.Duration `yaml:"replyPersistence"`
	OutputPersistence time.Duration `yaml:"outputPersistence"`
	InputPersistence  time.Duration `yaml:"inputPersistence"`
	WaitBound         time.Duration `yaml:"waitBound"`
	PayloadTimeout    time.Duration `yaml:"payloadTimeout"`
	TeardownTimeout   time.Duration `yaml:"teardownTimeout"`
	// CommandRate is commands per second on the shared command topic, 0 for unlimited
	CommandRate     float64 `yaml:"commandRate"`
	CommandBurst    int     `yaml:"commandBurst"`
	RetiredCapacity int     `yaml:"retiredCapacity"`

	CircuitBreaker BreakerConfig `yaml:"circuitBreaker"`
}

// BreakerConfig configures the circuit breaker on command publishing.
// A threshold of 0 disables it.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint, empty to disable
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	d := bridge.DefaultConfig()
	return &Config{
		Transport: transports.Config{Type: transports.TypeMemory},
		Bridge: BridgeConfig{
			CommandTopic:      d.CommandTopic,
			TopicPrefix:       d.TopicPrefix,
			ReplyPersistence:  d.ReplyPersistence,
			OutputPersistence: d.OutputPersistence,
			InputPersistence:  d.InputPersistence,
			WaitBound:         d.WaitBound,
			PayloadTimeout:    d.PayloadTimeout,
			TeardownTimeout:   d.TeardownTimeout,
			CommandBurst:      1,
			RetiredCapacity:   d.RetiredCapacity,
			CircuitBreaker:    BreakerConfig{Threshold: 5, Timeout: 30 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if c.Transport.Type != "" && !c.Transport.Type.Valid() {
		errs = append(errs, fmt.Errorf("transport.type: unsupported %q", c.Transport.Type))
	}

	b := c.Bridge
	if b.CommandTopic == "" {
		errs = append(errs, errors.New("bridge.commandTopic: required"))
	}
	if b.WaitBound <= 0 {
		errs = append(errs, fmt.Errorf("bridge.waitBound: must be positive, got %s", b.WaitBound))
	}
	for name, d := range map[string]time.Duration{
		"bridge.replyPersistence":  b.ReplyPersistence,
		"bridge.outputPersistence": b.OutputPersistence,
		"bridge.inputPersistence":  b.InputPersistence,
		"bridge.payloadTimeout":    b.PayloadTimeout,
		"bridge.teardownTimeout":   b.TeardownTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: cannot be negative, got %s", name, d))
		}
	}
	if b.CommandRate < 0 {
		errs = append(errs, fmt.Errorf("bridge.commandRate: cannot be negative, got %v", b.CommandRate))
	}
	if b.CircuitBreaker.Threshold < 0 {
		errs = append(errs, fmt.Errorf("bridge.circuitBreaker.threshold: cannot be negative, got %d", b.CircuitBreaker.Threshold))
	}
	if b.CircuitBreaker.Timeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.circuitBreaker.timeout: cannot be negative, got %s", b.CircuitBreaker.Timeout))
	}
	if b.RetiredCapacity < 0 {
		errs = append(errs, fmt.Errorf("bridge.retiredCapacity: cannot be negative, got %d", b.RetiredCapacity))
	}

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported %q", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Options converts the bridge settings into bridge options
func (b BridgeConfig) Options() []bridge.BridgeOption {
	opts := []bridge.BridgeOption{
		bridge.WithCommandTopic(b.CommandTopic),
		bridge.WithReplyPersistence(b.ReplyPersistence),
		bridge.WithOutputPersistence(b.OutputPersistence),
		bridge.WithInputPersistence(b.InputPersistence),
		bridge.WithWaitBound(b.WaitBound),
		bridge.WithRetiredCapacity(b.RetiredCapacity),
		bridge.WithCommandRate(b.CommandRate, b.CommandBurst),
		bridge.WithCommandBreaker(b.CircuitBreaker.Threshold, b.CircuitBreaker.Timeout),
	}
	if b.TopicPrefix != "" {
		opts = append(opts, bridge.WithTopicPrefix(b.TopicPrefix))
	}
	if b.PayloadTimeout > 0 {
		opts = append(opts, bridge.WithPayloadTimeout(b.PayloadTimeout))
	}
	if b.TeardownTimeout > 0 {
		opts = append(opts, bridge.WithTeardownTimeout(b.TeardownTimeout))
	}
	return opts
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the slog logger described by the log settings
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
