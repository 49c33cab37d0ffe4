package run

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pipeline"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRun(t *testing.T, jobs ...pipeline.JobDefinition) (*Run, *JobStore) {
	t.Helper()
	def := &pipeline.Definition{Name: "test", Jobs: jobs}
	def.ApplyDefaults(0)
	graph, err := pipeline.Validate(def)
	require.NoError(t, err)
	r := New("run-1", def, graph, map[string]any{"deploy": true}, t0)
	s, err := NewJobStore(r)
	require.NoError(t, err)
	return r, s
}

func job(id string, deps ...string) pipeline.JobDefinition {
	return pipeline.JobDefinition{ID: id, Agent: "shell", Task: "echo " + id, DependsOn: deps}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobPending, JobQueued, true},
		{JobPending, JobSkipped, true},
		{JobPending, JobBlocked, true},
		{JobPending, JobRunning, false},
		{JobQueued, JobRunning, true},
		{JobQueued, JobPending, true},
		{JobRunning, JobPending, true},
		{JobRunning, JobCompleted, true},
		{JobCompleted, JobRunning, false},
		{JobFailed, JobPending, false},
		{JobCancelled, JobQueued, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, IsValidJobStatus("blocked"))
	assert.False(t, IsValidJobStatus("done"))
}

func TestReadyJobsFollowsDependencies(t *testing.T) {
	_, s := newTestRun(t, job("a"), job("b"), job("c", "a", "b"))

	ready, skipped := s.ReadyJobs(t0)
	assert.Equal(t, []string{"a", "b"}, ready)
	assert.Empty(t, skipped)

	for _, id := range ready {
		require.NoError(t, s.Queue(id))
		_, err := s.Start(id, t0)
		require.NoError(t, err)
	}
	require.NoError(t, s.Complete("a", nil, t0))

	ready, _ = s.ReadyJobs(t0)
	assert.Empty(t, ready, "c waits for b")

	require.NoError(t, s.Complete("b", json.RawMessage(`{"ok":true}`), t0))
	ready, _ = s.ReadyJobs(t0)
	assert.Equal(t, []string{"c"}, ready)
	assert.Equal(t, map[string]json.RawMessage{"b": json.RawMessage(`{"ok":true}`)}, s.DependencyOutputs("c"))
}

func TestReadyJobsSkipsFalseCondition(t *testing.T) {
	b := job("b", "a")
	b.When = `jobs.a.output.deploy == true`
	c := job("c", "b")
	r, s := newTestRun(t, job("a"), b, c)

	require.NoError(t, s.Queue("a"))
	_, err := s.Start("a", t0)
	require.NoError(t, err)
	require.NoError(t, s.Complete("a", json.RawMessage(`{"deploy":false}`), t0))

	ready, skipped := s.ReadyJobs(t0)
	assert.Equal(t, []string{"b"}, skipped)
	assert.Equal(t, []string{"c"}, ready, "skipped jobs satisfy dependents")
	assert.Equal(t, JobSkipped, r.Job("b").Status)
}

func TestReadyJobsHonoursRetryAt(t *testing.T) {
	_, s := newTestRun(t, job("a"))
	require.NoError(t, s.Queue("a"))
	attempt, err := s.Start("a", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	retryAt := t0.Add(2 * time.Second)
	require.NoError(t, s.Retry("a", "boom", retryAt))

	ready, _ := s.ReadyJobs(t0.Add(time.Second))
	assert.Empty(t, ready)
	next, ok := s.NextRetryAt()
	require.True(t, ok)
	assert.Equal(t, retryAt, next)

	ready, _ = s.ReadyJobs(retryAt)
	assert.Equal(t, []string{"a"}, ready)
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	_, s := newTestRun(t, job("a"))
	_, err := s.Start("a", t0)
	assert.True(t, errors.IsConflictError(err))

	err = s.Queue("missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestBlockDownstream(t *testing.T) {
	r, s := newTestRun(t, job("a"), job("b", "a"), job("c", "b"), job("d"))
	require.NoError(t, s.Queue("a"))
	_, err := s.Start("a", t0)
	require.NoError(t, err)
	require.NoError(t, s.Fail("a", "exit 1", t0))

	blocked := s.BlockDownstream("a", t0)
	assert.ElementsMatch(t, []string{"b", "c"}, blocked)
	assert.Equal(t, JobPending, r.Job("d").Status)
	assert.Contains(t, r.Job("c").Error, "a")
	assert.False(t, s.Done())
	assert.Equal(t, StatusFailed, s.Outcome())
}

func TestCancelAndOutcome(t *testing.T) {
	r, s := newTestRun(t, job("a"), job("b"))
	require.NoError(t, s.Queue("a"))
	_, err := s.Start("a", t0)
	require.NoError(t, err)
	require.NoError(t, s.Complete("a", nil, t0))

	assert.False(t, s.Cancel("a", "stop", t0), "terminal jobs stay put")
	assert.True(t, s.Cancel("b", "stop", t0))
	assert.True(t, s.Done())
	assert.Equal(t, StatusCancelled, s.Outcome())
	assert.Equal(t, JobCompleted, r.Job("a").Status)
}

func TestProgressAndLogs(t *testing.T) {
	r, s := newTestRun(t, job("a"))
	assert.False(t, s.SetProgress("a", 10), "not running")

	require.NoError(t, s.Queue("a"))
	_, err := s.Start("a", t0)
	require.NoError(t, err)

	assert.True(t, s.SetProgress("a", 150))
	assert.Equal(t, 100, r.Job("a").Progress)
	assert.True(t, s.SetProgress("a", -3))
	assert.Equal(t, 0, r.Job("a").Progress)

	for i := 0; i < 5; i++ {
		s.AppendLog("a", LogEntry{Time: t0, Message: string(rune('a' + i))}, 3)
	}
	require.Len(t, r.Job("a").Logs, 3)
	assert.Equal(t, "c", r.Job("a").Logs[0].Message)
}

func TestResetForResume(t *testing.T) {
	r, s := newTestRun(t, job("a"), job("b", "a"), job("c"))
	require.NoError(t, s.Queue("a"))
	_, err := s.Start("a", t0)
	require.NoError(t, err)
	require.NoError(t, s.Fail("a", "boom", t0))
	s.BlockDownstream("a", t0)
	require.NoError(t, s.Queue("c"))
	_, err = s.Start("c", t0)
	require.NoError(t, err)
	require.NoError(t, s.Complete("c", nil, t0))

	reset := s.ResetForResume()
	assert.Equal(t, []string{"a", "b"}, reset)

	a := r.Job("a")
	assert.Equal(t, JobPending, a.Status)
	assert.Equal(t, 0, a.Attempts)
	assert.Equal(t, 1, a.TotalAttempts)
	assert.Empty(t, a.Error)
	assert.Equal(t, JobCompleted, r.Job("c").Status)
}

func TestCloneIsIndependent(t *testing.T) {
	r, s := newTestRun(t, job("a"))
	require.NoError(t, s.Queue("a"))
	cp := r.Clone()
	_, err := s.Start("a", t0)
	require.NoError(t, err)

	assert.Equal(t, JobQueued, cp.Job("a").Status)
	assert.Nil(t, cp.Job("a").StartedAt)
	cp.Context["deploy"] = false
	assert.Equal(t, true, r.Context["deploy"])
}

func TestReport(t *testing.T) {
	named := job("b")
	named.Name = "Build"
	r, s := newTestRun(t, job("a"), named)
	require.NoError(t, s.Queue("a"))
	_, err := s.Start("a", t0)
	require.NoError(t, err)
	require.NoError(t, s.Complete("a", nil, t0))

	rep := r.Report()
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, 50, rep.Percent)
	require.Len(t, rep.Jobs, 2)
	assert.Equal(t, "a", rep.Jobs[0].ID)
	assert.Equal(t, 1, rep.Jobs[0].Attempts)
	assert.Equal(t, "Build", rep.Jobs[1].Name)
}
