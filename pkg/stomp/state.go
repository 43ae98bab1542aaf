package stomp

type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the session holds, or is opening, a transport.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected
}
