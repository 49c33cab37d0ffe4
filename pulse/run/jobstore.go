package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pipeline"
	"github.com/teranos/relay/pipeline/when"
)

// JobStore applies job transitions to a Run and answers scheduling queries.
// It is not safe for concurrent use; callers hold the run's lock.
type JobStore struct {
	run   *Run
	order []string
	defs  map[string]*pipeline.JobDefinition
	conds map[string]*when.Expr
}

// NewJobStore wraps r. Conditions are parsed once up front.
func NewJobStore(r *Run) (*JobStore, error) {
	if r.Definition == nil {
		return nil, errors.Newf("run %s has no definition snapshot", r.ID)
	}
	s := &JobStore{
		run:   r,
		order: make([]string, 0, len(r.Definition.Jobs)),
		defs:  make(map[string]*pipeline.JobDefinition, len(r.Definition.Jobs)),
		conds: make(map[string]*when.Expr),
	}
	for i := range r.Definition.Jobs {
		def := &r.Definition.Jobs[i]
		if r.Jobs[def.ID] == nil {
			return nil, errors.Newf("run %s has no state for job %s", r.ID, def.ID)
		}
		s.order = append(s.order, def.ID)
		s.defs[def.ID] = def
		if def.When != "" {
			expr, err := when.Parse(def.When)
			if err != nil {
				return nil, errors.Wrapf(err, "job %s condition", def.ID)
			}
			s.conds[def.ID] = expr
		}
	}
	return s, nil
}

// Run returns the wrapped run
func (s *JobStore) Run() *Run {
	return s.run
}

// IDs returns job ids in definition order
func (s *JobStore) IDs() []string {
	return s.order
}

// Definition returns the job definition for id, or nil
func (s *JobStore) Definition(id string) *pipeline.JobDefinition {
	return s.defs[id]
}

// ReadyJobs returns pending jobs whose dependencies are all completed or
// skipped and whose retry time, if any, has passed, in definition order.
//
// A first-attempt candidate with a condition is evaluated before it is
// returned. A false condition moves the job to skipped immediately; such
// jobs are returned in skipped and satisfy their dependents.
func (s *JobStore) ReadyJobs(now time.Time) (ready []string, skipped []string) {
	// Skipping can unlock further candidates, so scan until stable.
	for {
		progressed := false
		for _, id := range s.order {
			job := s.run.Jobs[id]
			if job.Status != JobPending || !s.dependenciesSatisfied(id) {
				continue
			}
			if job.RetryAt != nil && job.RetryAt.After(now) {
				continue
			}
			if contains(ready, id) {
				continue
			}
			if expr, ok := s.conds[id]; ok && job.Attempts == 0 && !expr.Eval(s.Scope()) {
				job.Status = JobSkipped
				job.CompletedAt = &now
				skipped = append(skipped, id)
				progressed = true
				continue
			}
			ready = append(ready, id)
		}
		if !progressed {
			return ready, skipped
		}
	}
}

func (s *JobStore) dependenciesSatisfied(id string) bool {
	for _, dep := range s.run.Graph[id] {
		state := s.run.Jobs[dep]
		if state == nil || !state.Status.Satisfied() {
			return false
		}
	}
	return true
}

// NextRetryAt returns the earliest RetryAt among pending jobs
func (s *JobStore) NextRetryAt() (time.Time, bool) {
	var next time.Time
	found := false
	for _, id := range s.order {
		job := s.run.Jobs[id]
		if job.Status != JobPending || job.RetryAt == nil {
			continue
		}
		if !found || job.RetryAt.Before(next) {
			next = *job.RetryAt
			found = true
		}
	}
	return next, found
}

// Scope builds the expression scope from resolved jobs, run inputs and the
// definition's env. Jobs that are not terminal are left out.
func (s *JobStore) Scope() when.Scope {
	jobs := make(map[string]when.JobScope)
	for id, job := range s.run.Jobs {
		if job.Status.Terminal() {
			jobs[id] = when.JobScope{Status: string(job.Status), Output: job.Output}
		}
	}
	return when.Scope{
		Jobs:   jobs,
		Inputs: s.run.Context,
		Env:    s.run.Definition.Env,
	}
}

// DependencyOutputs returns the outputs of id's completed dependencies
func (s *JobStore) DependencyOutputs(id string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, dep := range s.run.Graph[id] {
		if state := s.run.Jobs[dep]; state != nil && state.Status == JobCompleted && len(state.Output) > 0 {
			out[dep] = state.Output
		}
	}
	return out
}

func (s *JobStore) transition(id string, to JobStatus) (*JobState, error) {
	job := s.run.Jobs[id]
	if job == nil {
		return nil, errors.NewNotFoundError("job %s not in run %s", id, s.run.ID)
	}
	if !CanTransition(job.Status, to) {
		return nil, errors.NewConflictError("job %s cannot move from %s to %s", id, job.Status, to)
	}
	job.Status = to
	return job, nil
}

// Queue marks a ready job queued
func (s *JobStore) Queue(id string) error {
	_, err := s.transition(id, JobQueued)
	return err
}

// Unqueue returns a queued job to pending without spending an attempt
func (s *JobStore) Unqueue(id string) error {
	job := s.run.Jobs[id]
	if job == nil || job.Status != JobQueued {
		return errors.NewConflictError("job %s is not queued", id)
	}
	_, err := s.transition(id, JobPending)
	return err
}

// Start moves a queued job to running and returns the attempt number
func (s *JobStore) Start(id string, now time.Time) (int, error) {
	job, err := s.transition(id, JobRunning)
	if err != nil {
		return 0, err
	}
	job.Attempts++
	job.TotalAttempts++
	job.StartedAt = &now
	job.CompletedAt = nil
	job.RetryAt = nil
	job.Progress = 0
	return job.Attempts, nil
}

// Complete records a successful attempt; progress is forced to 100
func (s *JobStore) Complete(id string, output json.RawMessage, now time.Time) error {
	job, err := s.transition(id, JobCompleted)
	if err != nil {
		return err
	}
	job.Output = output
	job.Progress = 100
	job.Error = ""
	job.CompletedAt = &now
	return nil
}

// Retry sends a failed attempt back to pending until at
func (s *JobStore) Retry(id, errText string, at time.Time) error {
	job, err := s.transition(id, JobPending)
	if err != nil {
		return err
	}
	job.Error = errText
	job.RetryAt = &at
	job.Progress = 0
	return nil
}

// Fail marks a running job permanently failed
func (s *JobStore) Fail(id, errText string, now time.Time) error {
	job, err := s.transition(id, JobFailed)
	if err != nil {
		return err
	}
	job.Error = errText
	job.CompletedAt = &now
	return nil
}

// Cancel moves any non-terminal job to cancelled.
// It reports false when the job was already terminal.
func (s *JobStore) Cancel(id, reason string, now time.Time) bool {
	job := s.run.Jobs[id]
	if job == nil || job.Status.Terminal() {
		return false
	}
	job.Status = JobCancelled
	job.RetryAt = nil
	job.CompletedAt = &now
	if reason != "" {
		job.Error = reason
	}
	return true
}

// BlockDownstream marks every pending transitive dependent of a failed job
// blocked and returns their ids.
func (s *JobStore) BlockDownstream(failed string, now time.Time) []string {
	var blocked []string
	for _, id := range s.run.Graph.Downstream(failed) {
		job := s.run.Jobs[id]
		if job == nil || job.Status != JobPending {
			continue
		}
		job.Status = JobBlocked
		job.RetryAt = nil
		job.CompletedAt = &now
		job.Error = fmt.Sprintf("blocked by failed job %s", failed)
		blocked = append(blocked, id)
	}
	return blocked
}

// SetProgress records progress for a running job, clamped to 0..100
func (s *JobStore) SetProgress(id string, percent int) bool {
	job := s.run.Jobs[id]
	if job == nil || job.Status != JobRunning {
		return false
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	job.Progress = percent
	return true
}

// AppendLog adds a log line for a running job, keeping at most max entries
// (0 keeps everything).
func (s *JobStore) AppendLog(id string, entry LogEntry, max int) bool {
	job := s.run.Jobs[id]
	if job == nil || job.Status != JobRunning {
		return false
	}
	job.Logs = append(job.Logs, entry)
	if max > 0 && len(job.Logs) > max {
		job.Logs = append([]LogEntry(nil), job.Logs[len(job.Logs)-max:]...)
	}
	return true
}

// Count returns how many jobs have the given status
func (s *JobStore) Count(status JobStatus) int {
	n := 0
	for _, job := range s.run.Jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}

// IDsWithStatus returns ids with the given status in definition order
func (s *JobStore) IDsWithStatus(status JobStatus) []string {
	var ids []string
	for _, id := range s.order {
		if s.run.Jobs[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// Done reports whether every job is terminal
func (s *JobStore) Done() bool {
	for _, job := range s.run.Jobs {
		if !job.Status.Terminal() {
			return false
		}
	}
	return true
}

// Outcome derives the final run status from job states: completed when
// every job completed or was skipped, cancelled when any job was cancelled,
// failed otherwise.
func (s *JobStore) Outcome() Status {
	cancelled := false
	for _, job := range s.run.Jobs {
		switch job.Status {
		case JobCompleted, JobSkipped:
		case JobCancelled:
			cancelled = true
		default:
			return StatusFailed
		}
	}
	if cancelled {
		return StatusCancelled
	}
	return StatusCompleted
}

// ResetForResume returns unfinished jobs to pending so the run can continue.
// Running, queued, failed, blocked and cancelled jobs are reset with their
// error cleared and a fresh retry budget; TotalAttempts is kept.
func (s *JobStore) ResetForResume() []string {
	var reset []string
	for _, id := range s.order {
		job := s.run.Jobs[id]
		switch job.Status {
		case JobRunning, JobQueued, JobFailed, JobBlocked, JobCancelled, JobPending:
		default:
			continue
		}
		if job.Status != JobPending {
			reset = append(reset, id)
		}
		job.Status = JobPending
		job.Error = ""
		job.Attempts = 0
		job.Progress = 0
		job.RetryAt = nil
		job.StartedAt = nil
		job.CompletedAt = nil
	}
	return reset
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
