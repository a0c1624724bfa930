package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCommand is matched by every command validation failure
	ErrInvalidCommand = errors.New("contracts: invalid command")
	// ErrDuplicateHeader is returned when two header names collide case-insensitively
	ErrDuplicateHeader = errors.New("contracts: duplicate header")
	// ErrInvalidHeader is returned for header names that are empty or not tokens
	ErrInvalidHeader = errors.New("contracts: invalid header")
	// ErrUnknownMessageType is returned when decoding an envelope of unknown type
	ErrUnknownMessageType = errors.New("contracts: unknown message type")
)

// ValidationError describes a command field that failed validation
type ValidationError struct {
	Command CommandKind
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s command: %s: %s", e.Command, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidCommand
}

// StatusError is a non-OK status reported by the bridge module
type StatusError struct {
	Command      CommandKind
	ConnectionID ConnectionID
	Code         StatusCode
	Reason       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("bridge reported %s for %s", e.Code, e.Command)
	if !e.ConnectionID.IsZero() {
		msg += fmt.Sprintf(" (connection %s)", e.ConnectionID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// StatusCodeOf extracts the bridge status code from an error chain
func StatusCodeOf(err error) (StatusCode, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}
