package client

// State is the session lifecycle of one Client. Transitions are driven only
// by Connect, Shutdown and control-channel replies.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Registered
	Active
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting-down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// connected reports whether the session can carry traffic.
func (s State) connected() bool { return s == Registered || s == Active }
