package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

const statusType = "Status"

// Envelope wraps messages for transport
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Body          json.RawMessage `json:"body"`
}

func wrap(msg Message, replyTo string) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.GetType(), err)
	}
	env := Envelope{
		ID:            msg.GetID(),
		Type:          msg.GetType(),
		Timestamp:     msg.GetTimestamp().Format(time.RFC3339Nano),
		CorrelationID: msg.GetCorrelationID(),
		ReplyTo:       replyTo,
		Body:          body,
	}
	return json.Marshal(env)
}

func unwrap(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if len(env.Body) == 0 {
		return env, fmt.Errorf("envelope %s has no body", env.ID)
	}
	return env, nil
}

// CommandCodec encodes commands for the command topic
type CommandCodec struct{}

// Encode wraps a command in an envelope
func (CommandCodec) Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("command cannot be nil")
	}
	return wrap(cmd, cmd.GetReplyTo().Name)
}

// Decode unwraps an envelope into the concrete command type
func (CommandCodec) Decode(data []byte) (Command, error) {
	env, err := unwrap(data)
	if err != nil {
		return nil, err
	}

	var cmd Command
	switch CommandKind(env.Type) {
	case KindSetup:
		cmd = &SetupCommand{}
	case KindData:
		cmd = &DataCommand{}
	case KindTeardown:
		cmd = &TeardownCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	if err := json.Unmarshal(env.Body, cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s command: %w", env.Type, err)
	}
	return cmd, nil
}

// StatusCodec encodes status messages for reply topics
type StatusCodec struct{}

// Encode wraps a status in an envelope
func (StatusCodec) Encode(s StatusMessage) ([]byte, error) {
	if s.Type == "" {
		s.Type = statusType
	}
	return wrap(&s, "")
}

// Decode unwraps a status envelope
func (StatusCodec) Decode(data []byte) (StatusMessage, error) {
	var s StatusMessage
	env, err := unwrap(data)
	if err != nil {
		return s, err
	}
	if env.Type != statusType {
		return s, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	if err := json.Unmarshal(env.Body, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return s, nil
}

// PayloadCodec passes payload bytes through unchanged
type PayloadCodec struct{}

// Encode returns a copy of the chunk
func (PayloadCodec) Encode(p PayloadChunk) ([]byte, error) {
	return append([]byte(nil), p...), nil
}

// Decode returns a copy of the bytes as a chunk
func (PayloadCodec) Decode(data []byte) (PayloadChunk, error) {
	return PayloadChunk(append([]byte(nil), data...)), nil
}
