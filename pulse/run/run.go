// Package run holds the state of a pipeline run and its jobs.
//
// A Run is the persisted record: it carries a snapshot of the definition so
// it can be resumed without the original file. Nothing in this package
// locks; the engine serializes all mutation under the run's mutex.
package run

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/relay/pipeline"
)

// LogEntry is one line reported by an executor
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt,omitempty"`
}

// JobState is the mutable execution state of one job
type JobState struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	Progress      int             `json:"progress"`
	Attempts      int             `json:"attempts"`       // attempts in the current retry budget
	TotalAttempts int             `json:"total_attempts"` // attempts across resumes
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	RetryAt       *time.Time      `json:"retry_at,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	Logs          []LogEntry      `json:"logs,omitempty"`
}

// Run is one execution of a pipeline definition
type Run struct {
	ID          string               `json:"id"`
	Pipeline    string               `json:"pipeline"`
	Definition  *pipeline.Definition `json:"definition"`
	Status      Status               `json:"status"`
	Context     map[string]any       `json:"context,omitempty"` // caller inputs
	Jobs        map[string]*JobState `json:"jobs"`
	Graph       pipeline.Graph       `json:"graph"`
	Errors      []string             `json:"errors,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Revision    uint64               `json:"revision"`
	ResumeCount int                  `json:"resume_count"`
}

// NewID returns a fresh run id
func NewID() string {
	return uuid.NewString()
}

// New creates a pending run with every job pending.
// def must already be validated; graph is what Validate returned.
func New(id string, def *pipeline.Definition, graph pipeline.Graph, input map[string]any, now time.Time) *Run {
	jobs := make(map[string]*JobState, len(def.Jobs))
	for _, job := range def.Jobs {
		jobs[job.ID] = &JobState{ID: job.ID, Status: JobPending}
	}
	ctx := make(map[string]any, len(input))
	for k, v := range input {
		ctx[k] = v
	}
	return &Run{
		ID:         id,
		Pipeline:   def.Name,
		Definition: def,
		Status:     StatusPending,
		Context:    ctx,
		Jobs:       jobs,
		Graph:      graph,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Job returns the state for id, or nil
func (r *Run) Job(id string) *JobState {
	return r.Jobs[id]
}

// AddError appends to the run's error list
func (r *Run) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// Percent is the share of jobs in a terminal state, 0 to 100
func (r *Run) Percent() int {
	if len(r.Jobs) == 0 {
		return 100
	}
	done := 0
	for _, job := range r.Jobs {
		if job.Status.Terminal() {
			done++
		}
	}
	return done * 100 / len(r.Jobs)
}

// Finish moves the run to a terminal status
func (r *Run) Finish(status Status, now time.Time) {
	r.Status = status
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Clone returns a deep copy, used to hand snapshots to stores and readers
// outside the run's lock. The definition is shared; it is immutable.
func (r *Run) Clone() *Run {
	out := *r
	out.Jobs = make(map[string]*JobState, len(r.Jobs))
	for id, job := range r.Jobs {
		cp := *job
		cp.Output = append(json.RawMessage(nil), job.Output...)
		cp.Logs = append([]LogEntry(nil), job.Logs...)
		cp.StartedAt = copyTime(job.StartedAt)
		cp.CompletedAt = copyTime(job.CompletedAt)
		cp.RetryAt = copyTime(job.RetryAt)
		out.Jobs[id] = &cp
	}
	out.Errors = append([]string(nil), r.Errors...)
	out.CompletedAt = copyTime(r.CompletedAt)
	if r.Context != nil {
		out.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
