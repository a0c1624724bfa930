package contracts

// StatusMessage is the bridge module's answer to a command
type StatusMessage struct {
	BaseMessage
	Command      CommandKind  `json:"command"`
	Sequence     uint64       `json:"sequence"`
	ConnectionID ConnectionID `json:"connectionId,omitempty"`
	Status       StatusCode   `json:"status"`
	Reason       string       `json:"reason,omitempty"`

	// Populated on data acknowledgements
	ResponseCode    int                 `json:"responseCode,omitempty"`
	ResponseMessage string              `json:"responseMessage,omitempty"`
	ResponseHeaders map[string][]string `json:"responseHeaders,omitempty"`
}

// NewStatus creates a status answering cmd. The command ID becomes the
// correlation ID and the command sequence is echoed.
func NewStatus(cmd Command, code StatusCode) StatusMessage {
	s := StatusMessage{
		BaseMessage:  NewBaseMessage("Status"),
		Command:      cmd.Kind(),
		Sequence:     cmd.GetSequence(),
		ConnectionID: CommandConnectionID(cmd),
		Status:       code,
	}
	s.SetCorrelationID(cmd.GetID())
	return s
}

// IsSuccess returns whether the status reports success
func (s StatusMessage) IsSuccess() bool {
	return s.Status.IsOK()
}

// Answers reports whether the status is the reply to the given command
func (s StatusMessage) Answers(cmd Command) bool {
	return s.Command == cmd.Kind() &&
		s.CorrelationID == cmd.GetID() &&
		s.Sequence == cmd.GetSequence()
}

// Err returns a *StatusError for failed statuses and nil otherwise
func (s StatusMessage) Err() error {
	if s.IsSuccess() {
		return nil
	}
	return &StatusError{
		Command:      s.Command,
		ConnectionID: s.ConnectionID,
		Code:         s.Status,
		Reason:       s.Reason,
	}
}
