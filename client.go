// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/config"
	"github.com/glimte/mmate-httpbridge/transports"
)

// Client provides the main entry point for httpbridge
type Client struct {
	transport     channel.Transport
	bridge        *bridge.Bridge
	ownsTransport bool
	logger        *slog.Logger
}

// NewClient connects the configured transport and opens a bridge on it
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := newClientConfig(options)

	transport, err := transports.New(ctx, cfg.Transport, opts.logger)
	if err != nil {
		return nil, err
	}

	bridgeOpts := append(cfg.Bridge.Options(), opts.bridgeOptions()...)
	c, err := newClient(ctx, transport, opts.logger, bridgeOpts)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	c.ownsTransport = true
	return c, nil
}

// NewClientWithTransport opens a bridge on an existing transport. Close
// leaves the transport open.
func NewClientWithTransport(ctx context.Context, transport channel.Transport, options ...ClientOption) (*Client, error) {
	opts := newClientConfig(options)
	return newClient(ctx, transport, opts.logger, opts.bridgeOptions())
}

func newClient(ctx context.Context, transport channel.Transport, logger *slog.Logger, bridgeOpts []bridge.BridgeOption) (*Client, error) {
	b, err := bridge.New(ctx, transport, bridgeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	return &Client{
		transport: transport,
		bridge:    b,
		logger:    logger,
	}, nil
}

// Bridge returns the protocol engine
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// Transport returns the underlying transport
func (c *Client) Transport() channel.Transport {
	return c.transport
}

// Connect opens and configures a connection to target
func (c *Client) Connect(ctx context.Context, target string, opts ...bridge.SetupOption) (*bridge.Connection, error) {
	return c.bridge.Connect(ctx, target, opts...)
}

// FetchResult is the outcome of a single request
type FetchResult struct {
	bridge.Response
	Body []byte
}

// Fetch runs one full lifecycle: setup, one request, payload read and
// teardown. A response without a body yields a nil Body.
func (c *Client) Fetch(ctx context.Context, target string, req bridge.Request, opts ...bridge.SetupOption) (*FetchResult, error) {
	if req.Method == "" {
		req.Method = "GET"
	}

	conn, err := c.bridge.Connect(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to configure connection to %s: %w", target, err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil && !errors.Is(err, bridge.ErrAlreadyClosed) {
			c.logger.Warn("failed to close connection", "connectionId", conn.ID(), "error", err)
		}
	}()

	resp, err := conn.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("request on connection %s failed: %w", conn.ID(), err)
	}

	result := &FetchResult{Response: *resp}
	body, err := conn.ReadPayload(ctx, 0)
	switch {
	case err == nil:
		result.Body = body
	case errors.Is(err, bridge.ErrTimeout):
		// Empty bodies are never published
		c.logger.Debug("no payload published", "connectionId", conn.ID(), "statusCode", resp.StatusCode)
	default:
		return nil, fmt.Errorf("failed to read payload on connection %s: %w", conn.ID(), err)
	}
	return result, nil
}

// Close tears down all connections and releases the bridge. The transport is
// closed when the client created it.
func (c *Client) Close(ctx context.Context) error {
	err := c.bridge.Close(ctx)
	if c.ownsTransport {
		err = errors.Join(err, c.transport.Close())
	}
	return err
}

// clientConfig holds client configuration
type clientConfig struct {
	logger   *slog.Logger
	observer bridge.Observer
	extra    []bridge.BridgeOption
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func (cfg *clientConfig) bridgeOptions() []bridge.BridgeOption {
	opts := []bridge.BridgeOption{bridge.WithLogger(cfg.logger)}
	if cfg.observer != nil {
		opts = append(opts, bridge.WithObserver(cfg.observer))
	}
	return append(opts, cfg.extra...)
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithObserver sets the protocol metrics observer
func WithObserver(observer bridge.Observer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.observer = observer
	}
}

// WithBridgeOptions applies bridge options after the configured ones
func WithBridgeOptions(opts ...bridge.BridgeOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.extra = append(cfg.extra, opts...)
	}
}
