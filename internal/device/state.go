package device

import (
	"time"
)

// State is the connection state of the primary transport.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Status is a connection status update for the presentation layer.
type Status struct {
	State     State
	Port      string // empty unless connected
	Message   string
	Err       error
	Timestamp time.Time
}
