package run

// Status is the overall state of a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the run has finished
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobStatus is the state of one job within a run.
//
//	pending → queued → running → completed | failed | cancelled
//	pending → skipped | blocked | cancelled
//	running → pending (retry after backoff)
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobBlocked   JobStatus = "blocked" // an upstream job failed permanently
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will not change again within this run
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobSkipped, JobBlocked, JobCancelled:
		return true
	}
	return false
}

// Satisfied reports whether dependents may start
func (s JobStatus) Satisfied() bool {
	return s == JobCompleted || s == JobSkipped
}

// Active reports whether the job holds or is about to hold a dispatch slot
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// IsValidJobStatus returns true if s names a JobStatus
func IsValidJobStatus(s string) bool {
	switch JobStatus(s) {
	case JobPending, JobQueued, JobRunning, JobCompleted, JobFailed,
		JobSkipped, JobBlocked, JobCancelled:
		return true
	}
	return false
}

var transitions = map[JobStatus][]JobStatus{
	JobPending: {JobQueued, JobSkipped, JobBlocked, JobCancelled},
	JobQueued:  {JobRunning, JobPending, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled, JobPending},
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
