package bridge

// State is a connection lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateConfiguring
	StateReady
	StateSending
	StateAwaitingPayload
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateAwaitingPayload:
		return "awaiting-payload"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether the connection holds a bridge module connection
// slot that a teardown must release
func (s State) Live() bool {
	switch s {
	case StateReady, StateSending, StateAwaitingPayload:
		return true
	}
	return false
}

// Terminal reports whether no further command may be issued
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
