package session

// State is the connection lifecycle of one session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateAwaitingScan
	StateReady
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// connecting reports whether a gateway instance is being brought up; a
// second Initialize or a Restart must not race it.
func (s State) connecting() bool {
	return s == StateInitializing || s == StateAwaitingScan
}
