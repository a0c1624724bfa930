package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/internal/reliability"
)

// Bridge is the context object shared by all connections: it owns the
// transport handles, the shared command topic, the command sequence and the
// registry of live connections.
type Bridge struct {
	transport  channel.Transport
	scope      *channel.Scope
	commands   *channel.Typed[contracts.Command]
	sequence   atomic.Uint64
	registry   *Registry
	correlator *Correlator
	config     BridgeConfig
	logger     *slog.Logger
	closing    atomic.Bool
	closed     atomic.Bool
}

// New opens the command topic on the transport and returns a bridge
func New(ctx context.Context, transport channel.Transport, opts ...BridgeOption) (*Bridge, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.WaitBound <= 0 {
		return nil, fmt.Errorf("wait bound must be positive, got %s", config.WaitBound)
	}
	if config.ReplyPersistence < 0 || config.OutputPersistence < 0 || config.InputPersistence < 0 {
		return nil, fmt.Errorf("persistence windows cannot be negative")
	}
	if config.Observer == nil {
		config.Observer = NoopObserver
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RetryPolicy == nil {
		config.RetryPolicy = reliability.NewFixedDelay(0, 0)
	}

	registry, err := NewRegistry(config.RetiredCapacity, config.Observer)
	if err != nil {
		return nil, err
	}

	logger := config.Logger.With("component", "bridge", "transport", transport.Name())
	if config.CircuitBreaker == nil && config.BreakerThreshold > 0 {
		breakerOpts := []reliability.CircuitBreakerOption{
			reliability.WithName("command-publish"),
			reliability.WithFailureThreshold(config.BreakerThreshold),
			reliability.WithBreakerLogger(logger),
		}
		if config.BreakerTimeout > 0 {
			breakerOpts = append(breakerOpts, reliability.WithTimeout(config.BreakerTimeout))
		}
		config.CircuitBreaker = reliability.NewCircuitBreaker(breakerOpts...)
	}
	correlatorOpts := []CorrelatorOption{
		WithCorrelatorObserver(config.Observer),
		WithCorrelatorLogger(logger),
	}
	if config.PollPolicy != nil {
		correlatorOpts = append(correlatorOpts, WithPollPolicy(config.PollPolicy))
	}

	scope := channel.NewScope()
	commands, err := channel.Acquire[contracts.Command](ctx, scope, transport, config.CommandTopic, contracts.CommandCodec{}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open command topic %s: %w", config.CommandTopic, err)
	}

	logger.Info("bridge ready", "commandTopic", config.CommandTopic)
	return &Bridge{
		transport:  transport,
		scope:      scope,
		commands:   commands,
		registry:   registry,
		correlator: NewCorrelator(correlatorOpts...),
		config:     config,
		logger:     logger,
	}, nil
}

// Open creates an unconfigured connection with its own reply and output topics
func (b *Bridge) Open(ctx context.Context) (*Connection, error) {
	if b.closing.Load() {
		return nil, ErrBridgeClosed
	}
	requestID := uuid.New().String()
	c, err := newConnection(ctx, b, requestID)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("connection opened", "requestId", requestID, "replyTopic", c.reply.Name())
	return c, nil
}

// Connect opens a connection and configures it for target. A connection
// that fails to configure is closed before the error is returned.
func (b *Bridge) Connect(ctx context.Context, target string, opts ...SetupOption) (*Connection, error) {
	c, err := b.Open(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Configure(ctx, target, opts...); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

// Lookup returns the live connection bound to id
func (b *Bridge) Lookup(id contracts.ConnectionID) (*Connection, error) {
	return b.registry.Lookup(id)
}

// SendTo sends req on the live connection bound to id
func (b *Bridge) SendTo(ctx context.Context, id contracts.ConnectionID, req Request) (*Response, error) {
	c, err := b.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, req)
}

// CloseConnection closes the live connection bound to id
func (b *Bridge) CloseConnection(ctx context.Context, id contracts.ConnectionID) error {
	c, err := b.registry.Lookup(id)
	if err != nil {
		return err
	}
	return c.Close(ctx)
}

// Registry returns the registry of live connections
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Config returns the effective configuration
func (b *Bridge) Config() BridgeConfig {
	return b.config
}

// Transport returns the transport the bridge publishes on
func (b *Bridge) Transport() channel.Transport {
	return b.transport
}

// Close tears down every live connection and releases the command topic.
// The transport stays open.
func (b *Bridge) Close(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}
	b.logger.Info("closing bridge", "active", b.registry.Len())
	err := b.registry.CloseAll(ctx)
	b.closed.Store(true)
	return errors.Join(err, b.scope.Close())
}

// publish stamps cmd with the next sequence number and publishes it on the
// command topic, honoring the rate limit, retry policy and circuit breaker
func (b *Bridge) publish(ctx context.Context, cmd contracts.Command) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	cmd.SetSequence(b.sequence.Add(1))
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if b.config.Limiter != nil {
		if err := b.config.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("command rate limit: %w", err)
		}
	}

	send := func() error {
		return reliability.Retry(ctx, b.config.RetryPolicy, func() error {
			err := b.commands.Publish(ctx, cmd)
			if errors.Is(err, channel.ErrClosed) {
				return reliability.Permanent(err)
			}
			return err
		})
	}

	var err error
	if b.config.CircuitBreaker != nil {
		err = b.config.CircuitBreaker.Execute(ctx, send)
	} else {
		err = send()
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s command: %w", cmd.Kind(), err)
	}

	b.logger.Info("command published",
		"command", cmd.Kind(),
		"requestId", cmd.GetID(),
		"sequence", cmd.GetSequence(),
		"connectionId", contracts.CommandConnectionID(cmd))
	return nil
}
