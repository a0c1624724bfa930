package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/internal/reliability"
)

var (
	// ErrTimeout is matched by every error reporting that no answer arrived in time
	ErrTimeout = errors.New("bridge: timeout")
	// ErrInvalidState is matched when an operation is called out of sequence
	ErrInvalidState = errors.New("bridge: invalid state")
	// ErrNotFound is returned for unknown, closed or failed connection ids
	ErrNotFound = errors.New("bridge: connection not found")
	// ErrMismatch is matched when only answers to other commands were seen
	ErrMismatch = errors.New("bridge: response mismatch")
	// ErrAlreadyClosed is returned by a second Close
	ErrAlreadyClosed = errors.New("bridge: connection already closed")
	// ErrPayloadNotDrained is returned by Send before the previous payload was read
	ErrPayloadNotDrained = fmt.Errorf("%w: previous payload not drained", ErrInvalidState)
	// ErrInvalidRequest is returned when a command fails validation before publishing
	ErrInvalidRequest = errors.New("bridge: invalid request")
	// ErrMissingConnectionID is returned when a setup succeeds without assigning an id
	ErrMissingConnectionID = errors.New("bridge: setup succeeded without a connection id")
	// ErrDuplicateConnection is returned when the bridge module hands out an id that is still live
	ErrDuplicateConnection = errors.New("bridge: connection id already active")
	// ErrBridgeClosed is returned by operations on a closed bridge
	ErrBridgeClosed = errors.New("bridge: closed")
	// ErrCircuitOpen is matched by command publishes refused by an open circuit breaker
	ErrCircuitOpen = reliability.ErrCircuitOpen
)

// StateError reports an operation attempted in a state that does not permit it
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("bridge: cannot %s in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// TimeoutError reports a command or payload that was not answered in time
type TimeoutError struct {
	Command  contracts.CommandKind
	Topic    string
	Waited   time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("bridge: no payload on %s within %s", e.Topic, e.Waited)
	}
	return fmt.Sprintf("bridge: no answer to %s on %s within %s (%d reads)", e.Command, e.Topic, e.Waited, e.Attempts)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// MismatchError reports that the budget ran out while the reply topic only
// held answers to other commands. It matches both ErrMismatch and ErrTimeout.
type MismatchError struct {
	Topic            string
	Expected         contracts.CommandKind
	ExpectedSequence uint64
	Got              contracts.CommandKind
	GotSequence      uint64
	GotCorrelationID string
	Waited           time.Duration
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("bridge: expected answer to %s #%d on %s, latest is %s #%d (correlation %s) after %s",
		e.Expected, e.ExpectedSequence, e.Topic, e.Got, e.GotSequence, e.GotCorrelationID, e.Waited)
}

func (e *MismatchError) Unwrap() []error {
	return []error{ErrMismatch, ErrTimeout}
}

// NotFoundError reports a lookup of a connection id that is not live
type NotFoundError struct {
	ID contracts.ConnectionID
	// Retired is set when the id belonged to a connection that has ended
	Retired bool
	State   State
}

func (e *NotFoundError) Error() string {
	if e.Retired {
		return fmt.Sprintf("bridge: connection %s not found (%s)", e.ID, e.State)
	}
	return fmt.Sprintf("bridge: connection %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsTimeout reports whether err is a timeout, including mismatches
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
