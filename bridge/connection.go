package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/contracts"
)

// SetupOption adjusts the setup command sent by Configure
type SetupOption func(*contracts.SetupCommand)

// WithProxy routes the HTTP connection through a proxy
func WithProxy(host string, port int) SetupOption {
	return func(c *contracts.SetupCommand) {
		c.ProxyHost = host
		c.ProxyPort = port
	}
}

// Request describes one HTTP request sent on a configured connection
type Request struct {
	Method   string
	Path     string
	Headers  map[string]string
	UseCache bool
	// Body is published on the connection's input topic before the command
	Body []byte
	// InputTimeout is how long the bridge module waits for Body
	InputTimeout time.Duration
}

// Response is the acknowledgement of a data command
type Response struct {
	ConnectionID contracts.ConnectionID
	StatusCode   int
	Message      string
	Headers      map[string][]string
}

// Connection drives one logical HTTP connection through its lifecycle.
// Operations on a connection are serialized; State and ID may be read
// concurrently.
type Connection struct {
	bridge    *Bridge
	requestID string
	scope     *channel.Scope
	reply     *channel.Typed[contracts.StatusMessage]
	logger    *slog.Logger

	// op serializes lifecycle operations
	op       sync.Mutex
	output   *channel.Typed[contracts.PayloadChunk]
	input    *channel.Typed[contracts.PayloadChunk]
	pending  *contracts.DataCommand
	drained  bool
	tornDown bool
	outputs  int

	mu    sync.RWMutex
	state State
	id    contracts.ConnectionID
}

func newConnection(ctx context.Context, b *Bridge, requestID string) (*Connection, error) {
	scope := channel.NewScope()
	replyTopic := b.config.TopicPrefix + "reply/" + requestID
	reply, err := channel.Acquire[contracts.StatusMessage](ctx, scope, b.transport, replyTopic, contracts.StatusCodec{}, b.config.ReplyPersistence)
	if err != nil {
		_ = scope.Close()
		return nil, fmt.Errorf("failed to open reply topic: %w", err)
	}
	return &Connection{
		bridge:    b,
		requestID: requestID,
		scope:     scope,
		reply:     reply,
		logger:    b.logger.With("requestId", requestID),
		state:     StateUninitialized,
	}, nil
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ID returns the connection id assigned by the bridge module, empty before
// a successful Configure
func (c *Connection) ID() contracts.ConnectionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// RequestID identifies this lifecycle in logs and topic names
func (c *Connection) RequestID() string {
	return c.requestID
}

// ReplyTopic returns the topic statuses are read from
func (c *Connection) ReplyTopic() string {
	return c.reply.Name()
}

func (c *Connection) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.logger.Info("connection state changed", "from", from, "to", to)
	c.bridge.config.Observer.Transition(from, to)
}

// expect fails fast unless the connection is in one of states. A call made
// while Configure is in flight sees Configuring and publishes nothing.
func (c *Connection) expect(op string, states ...State) error {
	state := c.State()
	for _, s := range states {
		if state == s {
			return nil
		}
	}
	return &StateError{Op: op, State: state}
}

func (c *Connection) replyRef() contracts.TopicRef {
	return contracts.NewTopicRef(c.reply.Name(), c.bridge.config.ReplyPersistence)
}

// Configure publishes a setup command for target and waits for its status.
// On success the connection is Ready with a bound id; any other outcome
// leaves it Failed.
func (c *Connection) Configure(ctx context.Context, target string, opts ...SetupOption) error {
	c.op.Lock()
	defer c.op.Unlock()

	if state := c.State(); state != StateUninitialized {
		return &StateError{Op: "configure", State: state}
	}

	cmd := contracts.NewSetupCommand(target, c.replyRef())
	for _, opt := range opts {
		opt(cmd)
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	c.setState(StateConfiguring)
	status, err := c.roundTrip(ctx, cmd)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	if err := status.Err(); err != nil {
		c.logger.Warn("setup rejected", "status", status.Status, "reason", status.Reason, "url", target)
		c.setState(StateFailed)
		return err
	}
	if status.ConnectionID.IsZero() {
		c.setState(StateFailed)
		return ErrMissingConnectionID
	}

	c.mu.Lock()
	c.id = status.ConnectionID
	c.mu.Unlock()
	c.logger = c.logger.With("connectionId", status.ConnectionID)

	if err := c.bridge.registry.Add(c); err != nil {
		// The id belongs to another live connection; tearing it down would
		// release that connection instead
		c.tornDown = true
		c.setState(StateFailed)
		return err
	}
	c.setState(StateReady)
	return nil
}

// Send publishes a data command and waits for its acknowledgement. It is
// valid in Ready, or in AwaitingPayload once the previous payload was read.
// On a timeout the connection stays in Sending and Resume may wait again.
// A non-OK status fails the connection and releases it in the bridge module.
func (c *Connection) Send(ctx context.Context, req Request) (*Response, error) {
	if err := c.expect("send", StateReady, StateAwaitingPayload); err != nil {
		return nil, err
	}
	c.op.Lock()
	defer c.op.Unlock()

	prev := c.State()
	switch {
	case prev == StateReady:
	case prev == StateAwaitingPayload && c.drained:
	case prev == StateAwaitingPayload:
		return nil, ErrPayloadNotDrained
	default:
		return nil, &StateError{Op: "send", State: prev}
	}

	cmd, err := c.dataCommand(req)
	if err != nil {
		return nil, err
	}
	if err := c.openOutput(ctx); err != nil {
		return nil, err
	}
	cmd.Output = contracts.NewTopicRef(c.output.Name(), c.bridge.config.OutputPersistence)
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if req.Body != nil {
		ref, err := c.publishBody(ctx, req.Body)
		if err != nil {
			return nil, err
		}
		cmd.Input = &ref
		if req.InputTimeout > 0 {
			cmd.InputTimeoutMs = req.InputTimeout.Milliseconds()
		}
	}

	if err := c.bridge.publish(ctx, cmd); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return nil, err
		}
		c.bridge.config.Observer.Command(contracts.KindData, CommandResultTransportError, 0)
		return nil, err
	}
	c.pending = cmd
	c.drained = false
	c.setState(StateSending)
	return c.awaitData(ctx)
}

// Resume waits again for the acknowledgement of the data command that timed
// out in Send
func (c *Connection) Resume(ctx context.Context) (*Response, error) {
	if err := c.expect("resume", StateSending); err != nil {
		return nil, err
	}
	c.op.Lock()
	defer c.op.Unlock()

	if state := c.State(); state != StateSending || c.pending == nil {
		return nil, &StateError{Op: "resume", State: state}
	}
	return c.awaitData(ctx)
}

func (c *Connection) awaitData(ctx context.Context) (*Response, error) {
	status, err := c.await(ctx, c.pending)
	if err != nil {
		return nil, err
	}
	if err := status.Err(); err != nil {
		c.logger.Warn("data command rejected", "status", status.Status, "reason", status.Reason)
		c.fail(ctx)
		return nil, err
	}

	c.pending = nil
	c.setState(StateAwaitingPayload)
	return &Response{
		ConnectionID: status.ConnectionID,
		StatusCode:   status.ResponseCode,
		Message:      status.ResponseMessage,
		Headers:      status.ResponseHeaders,
	}, nil
}

func (c *Connection) dataCommand(req Request) (*contracts.DataCommand, error) {
	headers, err := contracts.NewHeaders(req.Headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	cmd := contracts.NewDataCommand(c.ID(), req.Method, c.replyRef(), contracts.TopicRef{})
	cmd.URLPath = req.Path
	cmd.UseCache = req.UseCache
	if len(headers) > 0 {
		cmd.Headers = headers
	}
	return cmd, nil
}

// openOutput gives every data command a fresh output topic so a payload left
// over from an earlier request can never be read as the answer to this one
func (c *Connection) openOutput(ctx context.Context) error {
	if c.output != nil {
		_ = c.scope.Release(c.output)
		c.output = nil
	}
	c.outputs++
	name := c.bridge.config.TopicPrefix + "output/" + c.requestID + "/" + strconv.Itoa(c.outputs)
	out, err := channel.Acquire[contracts.PayloadChunk](ctx, c.scope, c.bridge.transport, name, contracts.PayloadCodec{}, c.bridge.config.OutputPersistence)
	if err != nil {
		return fmt.Errorf("failed to open output topic: %w", err)
	}
	c.output = out
	return nil
}

func (c *Connection) publishBody(ctx context.Context, body []byte) (contracts.TopicRef, error) {
	persistence := c.bridge.config.InputPersistence
	if c.input == nil {
		name := c.bridge.config.TopicPrefix + "input/" + c.requestID
		in, err := channel.Acquire[contracts.PayloadChunk](ctx, c.scope, c.bridge.transport, name, contracts.PayloadCodec{}, persistence)
		if err != nil {
			return contracts.TopicRef{}, fmt.Errorf("failed to open input topic: %w", err)
		}
		c.input = in
	}
	if err := c.input.Publish(ctx, body); err != nil {
		return contracts.TopicRef{}, fmt.Errorf("failed to publish request body: %w", err)
	}
	return contracts.NewTopicRef(c.input.Name(), persistence), nil
}

// ReadPayload returns the response body of the last acknowledged data
// command, waiting up to timeout (the configured payload timeout when
// timeout <= 0). It does not change the connection state.
func (c *Connection) ReadPayload(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := c.expect("read payload", StateAwaitingPayload); err != nil {
		return nil, err
	}
	c.op.Lock()
	defer c.op.Unlock()

	if state := c.State(); state != StateAwaitingPayload {
		return nil, &StateError{Op: "read payload", State: state}
	}
	if timeout <= 0 {
		timeout = c.bridge.config.PayloadTimeout
	}

	observer := c.bridge.config.Observer
	data, err := c.output.Latest(ctx, timeout)
	switch {
	case err == nil:
	case errors.Is(err, channel.ErrTimeout):
		observer.Payload(PayloadResultTimeout, 0)
		return nil, &TimeoutError{Topic: c.output.Name(), Waited: timeout}
	default:
		if ctx.Err() == nil {
			observer.Payload(PayloadResultTransportError, 0)
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	c.drained = true
	observer.Payload(PayloadResultOK, len(data))
	c.logger.Debug("payload read", "bytes", len(data))
	return data, nil
}

// Close releases the connection. A bound connection is torn down in the
// bridge module once, best-effort: teardown failures are logged and the
// connection ends Closed regardless. A second Close returns
// ErrAlreadyClosed without publishing anything.
func (c *Connection) Close(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	state := c.State()
	if state == StateClosed {
		return ErrAlreadyClosed
	}

	if !c.ID().IsZero() && !c.tornDown {
		c.teardown(ctx)
	} else if state == StateUninitialized {
		c.logger.Debug("closing unconfigured connection")
	}

	final := StateClosed
	if state == StateFailed {
		final = StateFailed
	}
	c.pending = nil
	c.setState(StateClosed)
	c.bridge.registry.Remove(c, final)
	return c.scope.Close()
}

// fail moves the connection to Failed and releases it in the bridge module
func (c *Connection) fail(ctx context.Context) {
	c.pending = nil
	c.setState(StateFailed)
	c.teardown(ctx)
	c.bridge.registry.Remove(c, StateFailed)
}

// teardown publishes a teardown command and waits for its status. It runs at
// most once per connection and survives cancellation of ctx.
func (c *Connection) teardown(ctx context.Context) {
	c.tornDown = true
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.bridge.config.TeardownTimeout)
	defer cancel()

	cmd := contracts.NewTeardownCommand(c.ID(), c.replyRef())
	status, err := c.roundTrip(ctx, cmd)
	if err != nil {
		c.logger.Warn("teardown not acknowledged", "error", err)
		return
	}
	if status.Err() != nil {
		c.logger.Warn("teardown rejected", "status", status.Status, "reason", status.Reason)
		return
	}
	c.logger.Debug("teardown acknowledged")
}

// roundTrip publishes cmd and waits for its status
func (c *Connection) roundTrip(ctx context.Context, cmd contracts.Command) (contracts.StatusMessage, error) {
	if err := c.bridge.publish(ctx, cmd); err != nil {
		c.bridge.config.Observer.Command(cmd.Kind(), CommandResultTransportError, 0)
		return contracts.StatusMessage{}, err
	}
	return c.await(ctx, cmd)
}

func (c *Connection) await(ctx context.Context, cmd contracts.Command) (contracts.StatusMessage, error) {
	start := time.Now()
	status, err := c.bridge.correlator.Await(ctx, c.reply, cmd, c.bridge.config.WaitBound)
	elapsed := time.Since(start)

	observer := c.bridge.config.Observer
	var mismatch *MismatchError
	switch {
	case err == nil && status.IsSuccess():
		observer.Command(cmd.Kind(), CommandResultOK, elapsed)
	case err == nil:
		observer.Command(cmd.Kind(), CommandResultStatusError, elapsed)
	case errors.As(err, &mismatch):
		c.logger.Warn("no matching status", "command", cmd.Kind(), "error", err)
		observer.Command(cmd.Kind(), CommandResultMismatch, elapsed)
	case errors.Is(err, ErrTimeout):
		c.logger.Warn("status timed out", "command", cmd.Kind(), "waited", elapsed)
		observer.Command(cmd.Kind(), CommandResultTimeout, elapsed)
	case ctx.Err() != nil:
		observer.Command(cmd.Kind(), CommandResultCanceled, elapsed)
	default:
		observer.Command(cmd.Kind(), CommandResultTransportError, elapsed)
	}
	return status, err
}
