package bridge

import (
	"time"

	"github.com/glimte/mmate-httpbridge/contracts"
)

// CommandResult classifies the outcome of one command round trip
type CommandResult string

const (
	CommandResultOK             CommandResult = "ok"
	CommandResultStatusError    CommandResult = "status_error"
	CommandResultTimeout        CommandResult = "timeout"
	CommandResultMismatch       CommandResult = "mismatch"
	CommandResultCanceled       CommandResult = "canceled"
	CommandResultTransportError CommandResult = "transport_error"
)

// PayloadResult classifies a payload read
type PayloadResult string

const (
	PayloadResultOK             PayloadResult = "ok"
	PayloadResultTimeout        PayloadResult = "timeout"
	PayloadResultTransportError PayloadResult = "transport_error"
)

// Observer receives protocol metric events
type Observer interface {
	Command(kind contracts.CommandKind, result CommandResult, d time.Duration)
	Mismatch(kind contracts.CommandKind)
	Transition(from, to State)
	Payload(result PayloadResult, size int)
	Connections(n int)
}

type noopObserver struct{}

func (noopObserver) Command(contracts.CommandKind, CommandResult, time.Duration) {}
func (noopObserver) Mismatch(contracts.CommandKind)                              {}
func (noopObserver) Transition(State, State)                                     {}
func (noopObserver) Payload(PayloadResult, int)                                  {}
func (noopObserver) Connections(int)                                             {}

// NoopObserver is used when metrics are disabled.
var NoopObserver Observer = noopObserver{}
