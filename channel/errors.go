package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by Latest when no value arrives within the bound
	ErrTimeout = errors.New("channel: timeout waiting for value")
	// ErrClosed is returned when operating on a closed channel or transport
	ErrClosed = errors.New("channel: closed")
	// ErrMalformed is returned when a retained value cannot be decoded
	ErrMalformed = errors.New("channel: malformed value")
	// ErrInvalidTopic is returned when opening a topic with an empty name or a negative window
	ErrInvalidTopic = errors.New("channel: invalid topic")
)

// TransportError reports a failure of the underlying pub/sub node
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel transport error: %s on %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a Latest timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
