package utp

// State is a connection's position in the FSM of spec §3.3/§4.3.3.
type State uint8

const (
	StateNone State = iota
	StateSynSent
	StateConnected
	StateFinSent
	StateCloseWait
	StateReset
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateSynSent:
		return "syn-sent"
	case StateConnected:
		return "connected"
	case StateFinSent:
		return "fin-sent"
	case StateCloseWait:
		return "close-wait"
	case StateReset:
		return "reset"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}
