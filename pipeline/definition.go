// Package pipeline defines pipeline definitions and validates their job graph.
//
// A Definition is immutable once validated; the engine snapshots it into
// every run so a persisted run can be resumed without the original file.
package pipeline

import (
	"time"

	"github.com/teranos/relay/pulse/retry"
)

// DefaultMaxConcurrentJobs applies when a definition leaves the ceiling unset
const DefaultMaxConcurrentJobs = 3

// Definition is a named set of jobs plus run-wide settings
type Definition struct {
	Name        string            `json:"name"`
	Version     string            `json:"version,omitempty"`
	Jobs        []JobDefinition   `json:"jobs"`
	Triggers    []Trigger         `json:"triggers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"` // default per-job timeout
	Concurrency Concurrency       `json:"concurrency"`
}

// Concurrency bounds parallel work within one run
type Concurrency struct {
	MaxConcurrentJobs int `json:"maxConcurrentJobs"` // 0 = engine default
}

// JobDefinition is one unit of work delegated to a task executor
type JobDefinition struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	Agent           string         `json:"agent"`
	Task            string         `json:"task,omitempty"`
	DependsOn       []string       `json:"dependsOn,omitempty"`
	When            string         `json:"when,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Timeout         time.Duration  `json:"timeout,omitempty"`
	Retry           RetryPolicy    `json:"retry"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
}

// RetryPolicy controls re-attempts of a failing job
type RetryPolicy struct {
	MaxAttempts int            `json:"maxAttempts"` // retries after the first try; 0 = none
	Backoff     retry.Strategy `json:"backoff,omitempty"`
	Delay       time.Duration  `json:"delay,omitempty"`
}

// Policy converts the definition into a retry.Policy capped at maxDelay
func (r RetryPolicy) Policy(maxDelay time.Duration) retry.Policy {
	strategy := r.Backoff
	if strategy == "" {
		strategy = retry.DefaultStrategy
	}
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		Strategy:    strategy,
		Base:        r.Delay,
		MaxDelay:    maxDelay,
	}
}

// Trigger records how a pipeline is meant to be started.
// The engine stores triggers but does not act on them.
type Trigger struct {
	Type     string   `json:"type" yaml:"type" toml:"type"` // push, pull_request, schedule, manual, webhook
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty" toml:"branches,omitempty"`
	Paths    []string `json:"paths,omitempty" yaml:"paths,omitempty" toml:"paths,omitempty"`
	Schedule string   `json:"schedule,omitempty" yaml:"schedule,omitempty" toml:"schedule,omitempty"`
}

// Job returns the job with id, or nil
func (d *Definition) Job(id string) *JobDefinition {
	for i := range d.Jobs {
		if d.Jobs[i].ID == id {
			return &d.Jobs[i]
		}
	}
	return nil
}

// DisplayName returns the job's name, falling back to its id
func (j *JobDefinition) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// ApplyDefaults fills unset fields that have documented defaults.
// Explicit values are never changed.
func (d *Definition) ApplyDefaults(maxConcurrentJobs int) {
	if d.Concurrency.MaxConcurrentJobs == 0 {
		if maxConcurrentJobs <= 0 {
			maxConcurrentJobs = DefaultMaxConcurrentJobs
		}
		d.Concurrency.MaxConcurrentJobs = maxConcurrentJobs
	}
	for i := range d.Jobs {
		if d.Jobs[i].Retry.Backoff == "" {
			d.Jobs[i].Retry.Backoff = retry.DefaultStrategy
		}
	}
}

// Clone returns a deep copy suitable for snapshotting into a run
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := *d
	out.Jobs = make([]JobDefinition, len(d.Jobs))
	for i, job := range d.Jobs {
		job.DependsOn = append([]string(nil), job.DependsOn...)
		job.Inputs = cloneMap(job.Inputs)
		out.Jobs[i] = job
	}
	out.Triggers = append([]Trigger(nil), d.Triggers...)
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = cloneValue(item)
		}
		return items
	}
	return v
}
