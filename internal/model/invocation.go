package model

import "time"

// Invocation status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Invocation phase constants, recorded as the handler advances.
const (
	PhaseQueued      = "queued"
	PhaseDatastores  = "datastores"
	PhaseEnvironment = "environment"
	PhaseCompute     = "compute"
	PhaseCompose     = "compose"
	PhaseRun         = "run"
	PhaseDone        = "done"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusSkipped: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether an invocation status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// EventLine is a single persisted progress line of an invocation.
type EventLine struct {
	ID           int64     `json:"id"`
	InvocationID string    `json:"invocation_id"`
	Seq          int       `json:"seq"`
	Line         string    `json:"line"`
	CreatedAt    time.Time `json:"created_at"`
}

// Invocation is the ledger record of one trigger event handled end to end.
type Invocation struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id"`
	Source     string     `json:"source"`
	Profile    string     `json:"profile"`
	Container  string     `json:"container"`
	BlobName   string     `json:"blob_name"`
	Status     string     `json:"status"`
	Phase      string     `json:"phase"`
	Compute    string     `json:"compute,omitempty"`
	Experiment string     `json:"experiment,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
	RunStatus  string     `json:"run_status,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
