package kernel

// State is the lifecycle state of a Session.
type State int32

const (
	Uninitialized State = iota
	Starting
	Ready
	Busy
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
