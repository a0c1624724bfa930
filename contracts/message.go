package contracts

import (
	"time"
)

// Message is the base interface for all protocol messages
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Command is a message published on the bridge command topic
type Command interface {
	Message
	Kind() CommandKind
	GetSequence() uint64
	SetSequence(seq uint64)
	GetReplyTo() TopicRef
	Validate() error
}

// ConnectionID names one logical HTTP connection inside the bridge module.
// It is assigned by the bridge module on a successful setup.
type ConnectionID string

// IsZero reports whether the identifier was never assigned
func (id ConnectionID) IsZero() bool {
	return id == ""
}

func (id ConnectionID) String() string {
	return string(id)
}

// CommandKind discriminates the command variants
type CommandKind string

const (
	KindSetup    CommandKind = "Setup"
	KindData     CommandKind = "Data"
	KindTeardown CommandKind = "Teardown"
)

// Valid reports whether k is one of the known command kinds
func (k CommandKind) Valid() bool {
	switch k {
	case KindSetup, KindData, KindTeardown:
		return true
	}
	return false
}

// StatusCode is the outcome reported by the bridge module for a command
type StatusCode string

const (
	StatusOK                StatusCode = "OK"
	StatusErrorGeneric      StatusCode = "ERROR"
	StatusErrorSyntax       StatusCode = "ERROR_ON_SYNTAX"
	StatusErrorConnect      StatusCode = "ERROR_ON_CONNECT"
	StatusErrorResponse     StatusCode = "ERROR_ON_RESPONSE"
	StatusErrorIO           StatusCode = "ERROR_ON_IO"
	StatusErrorDNS          StatusCode = "ERROR_ON_DNS"
	StatusErrorProxyAuth    StatusCode = "ERROR_ON_PROXY_AUTH"
	StatusErrorNotConnected StatusCode = "ERROR_NOT_CONNECTED"
)

// IsOK reports whether the code signals success. Unknown codes are failures.
func (c StatusCode) IsOK() bool {
	return c == StatusOK
}

// TopicRef references a topic together with the retention window its
// publisher must use. The bridge module publishes replies and payloads with
// the window the caller asked for.
type TopicRef struct {
	Name          string `json:"name"`
	PersistenceMs int64  `json:"persistenceMs"`
}

// NewTopicRef builds a reference from a name and a retention window
func NewTopicRef(name string, persistence time.Duration) TopicRef {
	return TopicRef{Name: name, PersistenceMs: persistence.Milliseconds()}
}

// Persistence returns the retention window as a duration
func (t TopicRef) Persistence() time.Duration {
	return time.Duration(t.PersistenceMs) * time.Millisecond
}

// IsZero reports whether the reference is empty
func (t TopicRef) IsZero() bool {
	return t.Name == ""
}

// PayloadChunk is the raw response body delivered on an output topic
type PayloadChunk []byte
