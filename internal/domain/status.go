package domain

// JobStatus is the externally reported state of a job.
type JobStatus string

const (
	StatusScheduled JobStatus = "scheduled"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

var AllStatuses = []JobStatus{
	StatusScheduled,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
}

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DeriveStatus computes the status of a job from its lifecycle timestamps.
// Every status-reporting path must go through this function.
func DeriveStatus(j Job) JobStatus {
	switch {
	case j.StartedAt == nil:
		return StatusScheduled
	case j.FailedAt != nil:
		return StatusFailed
	case j.FinishedAt != nil:
		return StatusCompleted
	default:
		return StatusRunning
	}
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

var ValidTransitions = []Transition{
	{From: StatusScheduled, To: StatusRunning},
	{From: StatusRunning, To: StatusCompleted},
	{From: StatusRunning, To: StatusFailed},
}

// CanTransition reports whether moving from one status to another is allowed.
// Observing the same status twice is not a transition and is always allowed.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
