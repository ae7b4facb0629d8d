package ble

// State is the connection lifecycle state owned by a Machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Discovering
	Calibrating
	Ready
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Discovering:
		return "discovering"
	case Calibrating:
		return "calibrating"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
