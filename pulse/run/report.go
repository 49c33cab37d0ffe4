package run

import "time"

// StatusReport is the answer to a status query
type StatusReport struct {
	RunID       string      `json:"run_id"`
	Pipeline    string      `json:"pipeline"`
	Status      Status      `json:"status"`
	Percent     int         `json:"percent"`
	Jobs        []JobReport `json:"jobs"`
	Errors      []string    `json:"errors,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Revision    uint64      `json:"revision"`
	ResumeCount int         `json:"resume_count,omitempty"`
}

// JobReport summarizes one job in a StatusReport
type JobReport struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// Report builds a StatusReport with jobs in definition order
func (r *Run) Report() *StatusReport {
	rep := &StatusReport{
		RunID:       r.ID,
		Pipeline:    r.Pipeline,
		Status:      r.Status,
		Percent:     r.Percent(),
		Errors:      append([]string(nil), r.Errors...),
		StartedAt:   r.StartedAt,
		CompletedAt: copyTime(r.CompletedAt),
		Revision:    r.Revision,
		ResumeCount: r.ResumeCount,
	}
	if r.Definition == nil {
		return rep
	}
	for _, def := range r.Definition.Jobs {
		state := r.Jobs[def.ID]
		if state == nil {
			continue
		}
		rep.Jobs = append(rep.Jobs, JobReport{
			ID:       def.ID,
			Name:     def.DisplayName(),
			Status:   state.Status,
			Progress: state.Progress,
			Attempts: state.TotalAttempts,
			Error:    state.Error,
		})
	}
	return rep
}
