package chat

// ConnState is the lifecycle state of the push channel connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
	// StateFailed is terminal: reconnect attempts are exhausted and the
	// session will not recover without being rebuilt.
	StateFailed
)

func (c ConnState) String() string {
	switch c {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransition reports whether moving from one connection state to
// another is a named transition of the lifecycle machine. Teardown to
// disconnected is allowed from anywhere.
func validTransition(from, to ConnState) bool {
	if to == StateDisconnected {
		return true
	}

	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateError
	case StateConnected:
		return to == StateError
	case StateError:
		return to == StateConnecting || to == StateFailed
	case StateFailed:
		return false
	default:
		return false
	}
}
