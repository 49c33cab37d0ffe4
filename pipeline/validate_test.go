package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pulse/retry"
)

func validDefinition() *Definition {
	return &Definition{
		Name: "ci",
		Jobs: []JobDefinition{job("a"), job("b", "a")},
	}
}

func TestValidate(t *testing.T) {
	graph, err := Validate(validDefinition())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, graph["b"])
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(d *Definition)
		contains string
		kind     error
	}{
		{"nil jobs", func(d *Definition) { d.Jobs = nil }, "at least one job", ErrInvalid},
		{"no name", func(d *Definition) { d.Name = " " }, "name is required", ErrInvalid},
		{"negative concurrency", func(d *Definition) { d.Concurrency.MaxConcurrentJobs = -1 }, "must be >= 1", ErrInvalid},
		{"negative timeout", func(d *Definition) { d.Jobs[0].Timeout = -time.Second }, "timeout", ErrInvalid},
		{"negative retries", func(d *Definition) { d.Jobs[0].Retry.MaxAttempts = -1 }, "retry.maxAttempts", ErrInvalid},
		{"bad backoff", func(d *Definition) { d.Jobs[0].Retry.Backoff = retry.Strategy("random") }, "unknown strategy", ErrInvalid},
		{"bad when", func(d *Definition) { d.Jobs[1].When = `upper(env.X) == "Y"` }, "function upper()", ErrInvalid},
		{"when unknown job", func(d *Definition) { d.Jobs[1].When = `jobs.ghost.status == "completed"` }, `unknown job "ghost"`, ErrDependency},
		{"bad input template", func(d *Definition) { d.Jobs[1].Inputs = map[string]any{"x": "${{ nope.x }}"} }, "inputs", ErrInvalid},
		{"unknown dependency", func(d *Definition) { d.Jobs[1].DependsOn = []string{"z"} }, `unknown job "z"`, ErrDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			_, err := Validate(def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.True(t, errors.Is(err, tt.kind))
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	def := validDefinition()
	def.Jobs[1].Retry.Backoff = retry.Linear

	def.ApplyDefaults(0)
	assert.Equal(t, DefaultMaxConcurrentJobs, def.Concurrency.MaxConcurrentJobs)
	assert.Equal(t, retry.Exponential, def.Jobs[0].Retry.Backoff)
	assert.Equal(t, retry.Linear, def.Jobs[1].Retry.Backoff)

	def.Concurrency.MaxConcurrentJobs = 0
	def.ApplyDefaults(7)
	assert.Equal(t, 7, def.Concurrency.MaxConcurrentJobs)
}

func TestCloneIsDeep(t *testing.T) {
	def := validDefinition()
	def.Jobs[0].Inputs = map[string]any{"nested": map[string]any{"k": "v"}}
	def.Env = map[string]string{"A": "1"}

	clone := def.Clone()
	clone.Jobs[0].Inputs["nested"].(map[string]any)["k"] = "changed"
	clone.Jobs[1].DependsOn[0] = "changed"
	clone.Env["A"] = "2"

	assert.Equal(t, "v", def.Jobs[0].Inputs["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", def.Jobs[1].DependsOn[0])
	assert.Equal(t, "1", def.Env["A"])
}

func TestLint(t *testing.T) {
	def := &Definition{
		Name:    "ci",
		Version: "next",
		Jobs: []JobDefinition{
			{ID: "a", Name: "Checkout", Agent: "shell", Task: "git pull"},
			{ID: "b", Agent: "shell", Task: "make", DependsOn: []string{"a"}, When: `jobs.c.status == "completed"`},
			{ID: "c", Name: "Lonely", Agent: "shell"},
		},
	}

	warnings := Lint(def)
	assert.Contains(t, warnings, `version "next" is not a semantic version`)
	assert.Contains(t, warnings, `job "b" has no name`)
	assert.Contains(t, warnings, `job "c" has no task`)
	assert.Contains(t, warnings, `job "c" is isolated: nothing depends on it and it depends on nothing`)
	assert.Contains(t, warnings, `job "b" condition reads job "c" without depending on it; the condition is false until that job resolves`)

	def.Version = "1.2.0"
	for _, w := range Lint(def) {
		assert.NotContains(t, w, "semantic version")
	}
}
