package contracts

import (
	"fmt"
	"net/textproto"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// DefaultInputTimeout is how long the bridge module waits for a request body
// on a data command's input topic
const DefaultInputTimeout = 30 * time.Second

// BaseMessage provides common fields for all message types
type BaseMessage struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// NewBaseMessage creates a new base message with generated ID and current timestamp
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      messageType,
	}
}

// GetID returns the message ID
func (m BaseMessage) GetID() string {
	return m.ID
}

// GetTimestamp returns the message timestamp
func (m BaseMessage) GetTimestamp() time.Time {
	return m.Timestamp
}

// GetType returns the message type
func (m BaseMessage) GetType() string {
	return m.Type
}

// GetCorrelationID returns the correlation ID
func (m BaseMessage) GetCorrelationID() string {
	return m.CorrelationID
}

// SetCorrelationID sets the correlation ID
func (m *BaseMessage) SetCorrelationID(correlationID string) {
	m.CorrelationID = correlationID
}

// BaseCommand provides the fields shared by all commands
type BaseCommand struct {
	BaseMessage
	Sequence uint64   `json:"sequence"`
	ReplyTo  TopicRef `json:"replyTo"`
}

func newBaseCommand(kind CommandKind, replyTo TopicRef) BaseCommand {
	return BaseCommand{
		BaseMessage: NewBaseMessage(string(kind)),
		ReplyTo:     replyTo,
	}
}

// GetSequence returns the command sequence number
func (c BaseCommand) GetSequence() uint64 {
	return c.Sequence
}

// SetSequence sets the command sequence number
func (c *BaseCommand) SetSequence(seq uint64) {
	c.Sequence = seq
}

// GetReplyTo returns the topic the status is published on
func (c BaseCommand) GetReplyTo() TopicRef {
	return c.ReplyTo
}

func (c BaseCommand) validate(kind CommandKind) error {
	if c.ID == "" {
		return &ValidationError{Command: kind, Field: "id", Reason: "missing"}
	}
	if c.ReplyTo.IsZero() {
		return &ValidationError{Command: kind, Field: "replyTo", Reason: "missing"}
	}
	if c.ReplyTo.PersistenceMs < 0 {
		return &ValidationError{Command: kind, Field: "replyTo", Reason: "negative persistence"}
	}
	return nil
}

// SetupCommand asks the bridge module to prepare a connection to a URL
type SetupCommand struct {
	BaseCommand
	URL       string `json:"url"`
	ProxyHost string `json:"proxyHost,omitempty"`
	ProxyPort int    `json:"proxyPort,omitempty"`
}

// NewSetupCommand creates a setup command for the target URL
func NewSetupCommand(target string, replyTo TopicRef) *SetupCommand {
	return &SetupCommand{
		BaseCommand: newBaseCommand(KindSetup, replyTo),
		URL:         target,
	}
}

// Kind implements Command
func (c *SetupCommand) Kind() CommandKind {
	return KindSetup
}

// Validate checks the setup parameters
func (c *SetupCommand) Validate() error {
	if err := c.validate(KindSetup); err != nil {
		return err
	}
	if c.URL == "" {
		return &ValidationError{Command: KindSetup, Field: "url", Reason: "missing"}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &ValidationError{Command: KindSetup, Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Command: KindSetup, Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ValidationError{Command: KindSetup, Field: "url", Reason: "missing host"}
	}
	if c.ProxyHost != "" && (c.ProxyPort < 1 || c.ProxyPort > 65535) {
		return &ValidationError{Command: KindSetup, Field: "proxyPort", Reason: fmt.Sprintf("out of range: %d", c.ProxyPort)}
	}
	return nil
}

// DataCommand asks the bridge module to execute an HTTP request on a
// connection and publish the response body on the output topic
type DataCommand struct {
	BaseCommand
	ConnectionID   ConnectionID `json:"connectionId"`
	Method         string       `json:"method"`
	URLPath        string       `json:"urlPath,omitempty"`
	Headers        Headers      `json:"headers,omitempty"`
	UseCache       bool         `json:"useCache"`
	Output         TopicRef     `json:"output"`
	Input          *TopicRef    `json:"input,omitempty"`
	InputTimeoutMs int64        `json:"inputTimeoutMs,omitempty"`
}

// NewDataCommand creates a data command for an established connection
func NewDataCommand(id ConnectionID, method string, replyTo, output TopicRef) *DataCommand {
	return &DataCommand{
		BaseCommand:  newBaseCommand(KindData, replyTo),
		ConnectionID: id,
		Method:       method,
		Output:       output,
	}
}

// Kind implements Command
func (c *DataCommand) Kind() CommandKind {
	return KindData
}

// InputTimeout returns how long the module waits for a request body
func (c *DataCommand) InputTimeout() time.Duration {
	if c.InputTimeoutMs <= 0 {
		return DefaultInputTimeout
	}
	return time.Duration(c.InputTimeoutMs) * time.Millisecond
}

// Validate checks the data parameters
func (c *DataCommand) Validate() error {
	if err := c.validate(KindData); err != nil {
		return err
	}
	if c.ConnectionID.IsZero() {
		return &ValidationError{Command: KindData, Field: "connectionId", Reason: "missing"}
	}
	if c.Method == "" {
		return &ValidationError{Command: KindData, Field: "method", Reason: "missing"}
	}
	if !isToken(c.Method) {
		return &ValidationError{Command: KindData, Field: "method", Reason: fmt.Sprintf("invalid method %q", c.Method)}
	}
	if c.Output.IsZero() {
		return &ValidationError{Command: KindData, Field: "output", Reason: "missing"}
	}
	if c.Input != nil && c.Input.IsZero() {
		return &ValidationError{Command: KindData, Field: "input", Reason: "empty topic name"}
	}
	return nil
}

// TeardownCommand releases a connection in the bridge module
type TeardownCommand struct {
	BaseCommand
	ConnectionID ConnectionID `json:"connectionId"`
}

// NewTeardownCommand creates a teardown command
func NewTeardownCommand(id ConnectionID, replyTo TopicRef) *TeardownCommand {
	return &TeardownCommand{
		BaseCommand:  newBaseCommand(KindTeardown, replyTo),
		ConnectionID: id,
	}
}

// Kind implements Command
func (c *TeardownCommand) Kind() CommandKind {
	return KindTeardown
}

// Validate checks the teardown parameters
func (c *TeardownCommand) Validate() error {
	if err := c.validate(KindTeardown); err != nil {
		return err
	}
	if c.ConnectionID.IsZero() {
		return &ValidationError{Command: KindTeardown, Field: "connectionId", Reason: "missing"}
	}
	return nil
}

// CommandConnectionID returns the connection a command refers to, if any
func CommandConnectionID(cmd Command) ConnectionID {
	switch c := cmd.(type) {
	case *DataCommand:
		return c.ConnectionID
	case *TeardownCommand:
		return c.ConnectionID
	}
	return ""
}

// Headers maps canonical header names to values. Keys are unique under
// case-insensitive comparison.
type Headers map[string]string

// NewHeaders builds a header map from name/value pairs, rejecting names that
// collide once canonicalized
func NewHeaders(pairs map[string]string) (Headers, error) {
	h := make(Headers, len(pairs))
	for name, value := range pairs {
		if err := h.Add(name, value); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Add inserts a header, failing if the canonical name is already present
func (h Headers) Add(name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: empty header name", ErrInvalidHeader)
	}
	if !isToken(name) {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, name)
	}
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, exists := h[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHeader, key)
	}
	h[key] = value
	return nil
}

// Get returns the value for name using case-insensitive lookup
func (h Headers) Get(name string) string {
	return h[textproto.CanonicalMIMEHeaderKey(name)]
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '!' || c == '#' || c == '$' || c == '%' || c == '&' || c == '\'' || c == '*' ||
			c == '+' || c == '-' || c == '.' || c == '^' || c == '_' || c == '`' || c == '|' || c == '~':
		default:
			return false
		}
	}
	return len(s) > 0
}
