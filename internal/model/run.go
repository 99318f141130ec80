package model

// RunStatus is the lifecycle state of a remote pipeline run.
type RunStatus string

// Run lifecycle states.
const (
	RunSubmitted RunStatus = "Submitted"
	RunRunning   RunStatus = "Running"
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
	RunCanceled  RunStatus = "Canceled"
)

var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunSubmitted: {
		RunRunning:   true,
		RunSucceeded: true,
		RunFailed:    true,
		RunCanceled:  true,
	},
	RunRunning: {
		RunSucceeded: true,
		RunFailed:    true,
		RunCanceled:  true,
	},
}

// ValidRunTransition reports whether a run may move from one state to another.
// Terminal states have no outgoing transitions.
func ValidRunTransition(from, to RunStatus) bool {
	return runTransitions[from][to]
}

// Terminal reports whether s is a final run state.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}
