// Package loopback is an in-process bridge module. It consumes the command
// topic of any channel.Transport, answers setup, data and teardown commands
// from scripted routes, and publishes statuses and payloads the way the
// real module does.
package loopback

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

// Route scripts the module's behavior for one target URL
type Route struct {
	// SetupStatus answers the setup command, OK when empty
	SetupStatus contracts.StatusCode
	// DataStatus answers data commands, OK when empty
	DataStatus contracts.StatusCode
	Reason     string

	ResponseCode    int
	ResponseMessage string
	ResponseHeaders map[string][]string
	// Body is published on the output topic; nothing is published when empty
	Body []byte
	// Echo answers with the request body read from the input topic
	Echo bool

	// SilentData drops data commands without answering
	SilentData bool
	SetupDelay time.Duration
	DataDelay  time.Duration
}

// Module is a scripted bridge module
type Module struct {
	transport    channel.Transport
	commandTopic string
	logger       *slog.Logger

	mu       sync.Mutex
	routes   map[string]Route
	conns    map[contracts.ConnectionID]string
	nextID   int
	received []contracts.Command
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures the module
type Option func(*Module)

// WithCommandTopic sets the topic the module consumes
func WithCommandTopic(name string) Option {
	return func(m *Module) {
		m.commandTopic = name
	}
}

// WithRoute scripts the answers for url
func WithRoute(url string, route Route) Option {
	return func(m *Module) {
		m.routes[url] = route
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Module) {
		m.logger = logger
	}
}

// New creates a module on transport. Setups for URLs without a route are
// answered with ERROR_ON_CONNECT.
func New(transport channel.Transport, opts ...Option) *Module {
	m := &Module{
		transport:    transport,
		commandTopic: "HTTPBridge-CMD",
		logger:       slog.Default(),
		routes:       make(map[string]Route),
		conns:        make(map[contracts.ConnectionID]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "loopback")
	return m
}

// Route adds or replaces the route for url
func (m *Module) Route(url string, route Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[url] = route
}

// Start subscribes to the command topic and serves commands until Stop
func (m *Module) Start(ctx context.Context) error {
	ch, err := m.transport.Open(ctx, m.commandTopic, 0)
	if err != nil {
		return fmt.Errorf("failed to open command topic: %w", err)
	}
	sub, ok := ch.(channel.Subscribable)
	if !ok {
		_ = ch.Close()
		return fmt.Errorf("transport %s cannot deliver every command", m.transport.Name())
	}

	ctx, cancel := context.WithCancel(ctx)
	values, err := sub.Subscribe(ctx)
	if err != nil {
		cancel()
		_ = ch.Close()
		return fmt.Errorf("failed to subscribe to command topic: %w", err)
	}

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ch.Close()
		for data := range values {
			cmd, err := contracts.CommandCodec{}.Decode(data)
			if err != nil {
				m.logger.Warn("ignoring undecodable command", "error", err)
				continue
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.handle(ctx, cmd)
			}()
		}
	}()
	m.logger.Info("loopback module started", "commandTopic", m.commandTopic)
	return nil
}

// Stop ends the subscription and waits for in-flight commands
func (m *Module) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Received returns the commands consumed so far
func (m *Module) Received() []contracts.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.Command(nil), m.received...)
}

// Count returns how many commands of kind were consumed
func (m *Module) Count(kind contracts.CommandKind) int {
	n := 0
	for _, cmd := range m.Received() {
		if cmd.Kind() == kind {
			n++
		}
	}
	return n
}

// Connections returns the number of open connections
func (m *Module) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Module) handle(ctx context.Context, cmd contracts.Command) {
	m.mu.Lock()
	m.received = append(m.received, cmd)
	m.mu.Unlock()

	logger := m.logger.With("command", cmd.Kind(), "requestId", cmd.GetID())
	if err := cmd.Validate(); err != nil {
		logger.Warn("invalid command", "error", err)
		if !cmd.GetReplyTo().IsZero() {
			s := contracts.NewStatus(cmd, contracts.StatusErrorSyntax)
			s.Reason = err.Error()
			m.reply(ctx, cmd, s)
		}
		return
	}

	switch c := cmd.(type) {
	case *contracts.SetupCommand:
		m.setup(ctx, c)
	case *contracts.DataCommand:
		m.data(ctx, c)
	case *contracts.TeardownCommand:
		m.teardown(ctx, c)
	}
}

func (m *Module) setup(ctx context.Context, cmd *contracts.SetupCommand) {
	m.mu.Lock()
	route, ok := m.routes[cmd.URL]
	m.mu.Unlock()

	if !ok {
		s := contracts.NewStatus(cmd, contracts.StatusErrorConnect)
		s.Reason = "no route to " + cmd.URL
		m.reply(ctx, cmd, s)
		return
	}
	m.pause(ctx, route.SetupDelay)

	status := orOK(route.SetupStatus)
	s := contracts.NewStatus(cmd, status)
	if status.IsOK() {
		m.mu.Lock()
		m.nextID++
		id := contracts.ConnectionID("c" + strconv.Itoa(m.nextID))
		m.conns[id] = cmd.URL
		m.mu.Unlock()
		s.ConnectionID = id
	} else {
		s.Reason = route.Reason
	}
	m.reply(ctx, cmd, s)
}

func (m *Module) data(ctx context.Context, cmd *contracts.DataCommand) {
	m.mu.Lock()
	url, ok := m.conns[cmd.ConnectionID]
	route := m.routes[url]
	m.mu.Unlock()

	if !ok {
		s := contracts.NewStatus(cmd, contracts.StatusErrorNotConnected)
		s.Reason = "ConnectionId not found"
		m.reply(ctx, cmd, s)
		return
	}
	if route.SilentData {
		m.logger.Debug("dropping data command", "connectionId", cmd.ConnectionID)
		return
	}
	m.pause(ctx, route.DataDelay)

	status := orOK(route.DataStatus)
	if !status.IsOK() {
		s := contracts.NewStatus(cmd, status)
		s.Reason = route.Reason
		m.reply(ctx, cmd, s)
		return
	}

	body := route.Body
	if cmd.Input != nil {
		in, err := m.readInput(ctx, cmd)
		if err != nil {
			s := contracts.NewStatus(cmd, contracts.StatusErrorIO)
			s.Reason = err.Error()
			m.reply(ctx, cmd, s)
			return
		}
		if route.Echo {
			body = in
		}
	}

	if len(body) > 0 {
		if err := m.publish(ctx, cmd.Output, body); err != nil {
			s := contracts.NewStatus(cmd, contracts.StatusErrorIO)
			s.Reason = err.Error()
			m.reply(ctx, cmd, s)
			return
		}
	}

	s := contracts.NewStatus(cmd, contracts.StatusOK)
	s.ResponseCode = route.ResponseCode
	if s.ResponseCode == 0 {
		s.ResponseCode = 200
	}
	s.ResponseMessage = route.ResponseMessage
	s.ResponseHeaders = route.ResponseHeaders
	m.reply(ctx, cmd, s)
}

func (m *Module) readInput(ctx context.Context, cmd *contracts.DataCommand) ([]byte, error) {
	ch, err := m.transport.Open(ctx, cmd.Input.Name, cmd.Input.Persistence())
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	return ch.Latest(ctx, cmd.InputTimeout())
}

func (m *Module) teardown(ctx context.Context, cmd *contracts.TeardownCommand) {
	m.mu.Lock()
	_, ok := m.conns[cmd.ConnectionID]
	delete(m.conns, cmd.ConnectionID)
	m.mu.Unlock()

	if !ok {
		s := contracts.NewStatus(cmd, contracts.StatusErrorSyntax)
		s.Reason = "ConnectionId not found"
		m.reply(ctx, cmd, s)
		return
	}
	m.reply(ctx, cmd, contracts.NewStatus(cmd, contracts.StatusOK))
}

func (m *Module) reply(ctx context.Context, cmd contracts.Command, s contracts.StatusMessage) {
	data, err := contracts.StatusCodec{}.Encode(s)
	if err == nil {
		err = m.publish(ctx, cmd.GetReplyTo(), data)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("failed to publish status", "topic", cmd.GetReplyTo().Name, "error", err)
	}
}

func (m *Module) publish(ctx context.Context, ref contracts.TopicRef, data []byte) error {
	ch, err := m.transport.Open(ctx, ref.Name, ref.Persistence())
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.Publish(ctx, data)
}

func (m *Module) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func orOK(code contracts.StatusCode) contracts.StatusCode {
	if code == "" {
		return contracts.StatusOK
	}
	return code
}
