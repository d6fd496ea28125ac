package marketfeed

// ConnState is the socket lifecycle as shown to the user.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDegraded
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CanReconnectManually reports whether a manual reconnect control makes sense.
func (s ConnState) CanReconnectManually() bool {
	return s == StateDisconnected || s == StateDegraded || s == StateError
}
