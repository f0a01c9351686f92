package supervisor

// State is a supervisor lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Restarting
	Refreshing
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	case Refreshing:
		return "refreshing"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// stateNames lists every state, for the one-hot state gauge.
var stateNames = []string{
	Idle.String(), Running.String(), Restarting.String(),
	Refreshing.String(), ShuttingDown.String(), Terminated.String(),
}
