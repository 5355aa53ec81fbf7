package orchestrator

// State is the orchestrator's run phase.
type State int

// Run phases, in order. StateFailed is terminal.
const (
	StateCollectingRegistrations State = iota
	StateDeploying
	StateRunning
	StateCollectingStatistics
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCollectingRegistrations:
		return "collecting-registrations"
	case StateDeploying:
		return "deploying"
	case StateRunning:
		return "running"
	case StateCollectingStatistics:
		return "collecting-statistics"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
