// Package engine drives pipeline runs.
//
// An Orchestrator owns every run active in the process. Each run gets one
// scheduler goroutine that dispatches ready jobs to the TaskExecutor, bounded
// by the run's concurrency ceiling, and persists the run after every job
// transition so any stored snapshot is a valid resumption point.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pipeline"
	"github.com/teranos/relay/pulse/events"
	"github.com/teranos/relay/pulse/executor"
	"github.com/teranos/relay/pulse/run"
	"github.com/teranos/relay/pulse/store"
)

// saveTimeout bounds one persistence write
const saveTimeout = 30 * time.Second

// Orchestrator starts, tracks and controls pipeline runs
type Orchestrator struct {
	store store.Adapter
	exec  executor.TaskExecutor
	bus   *events.Bus
	log   pulseLogger
	opts  Options

	mu     sync.Mutex
	runs   map[string]*runner
	closed bool
}

// New creates an Orchestrator. bus may be nil.
func New(adapter store.Adapter, exec executor.TaskExecutor, bus *events.Bus, log *zap.SugaredLogger, opts Options) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = pipeline.DefaultMaxConcurrentJobs
	}
	return &Orchestrator{
		store: adapter,
		exec:  exec,
		bus:   bus,
		log:   pulseLogger{log.Named("pulse")},
		opts:  opts,
		runs:  make(map[string]*runner),
	}
}

// Bus returns the event bus runs publish to
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Start validates def, persists a new run and launches its scheduler.
// It returns as soon as the run is persisted; validation errors are
// returned before anything is stored or dispatched.
func (o *Orchestrator) Start(ctx context.Context, def *pipeline.Definition, input map[string]any) (string, error) {
	if def == nil {
		return "", errors.NewInvalidRequestError("pipeline definition is required")
	}
	snapshot := def.Clone()
	snapshot.ApplyDefaults(o.opts.MaxConcurrentJobs)
	graph, err := pipeline.Validate(snapshot)
	if err != nil {
		return "", err
	}

	r := run.New(run.NewID(), snapshot, graph, input, time.Now().UTC())
	r.Status = run.StatusRunning
	o.checkMemory(snapshot.Concurrency.MaxConcurrentJobs)

	if err := o.launch(r, events.RunStarted); err != nil {
		return "", err
	}
	return r.ID, nil
}

// launch registers a runner for r, writes its first snapshot and starts the
// scheduler goroutine.
func (o *Orchestrator) launch(r *run.Run, started events.Type) error {
	rn, err := newRunner(o, r)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.NewConflictError("orchestrator is shut down")
	}
	if _, active := o.runs[r.ID]; active {
		o.mu.Unlock()
		return errors.NewConflictError("run %s is already active", r.ID)
	}
	o.runs[r.ID] = rn
	o.mu.Unlock()
	go rn.pub.run()

	rn.mu.Lock()
	err = rn.persist()
	if err != nil {
		rn.mu.Unlock()
		o.forget(rn)
		rn.pub.close()
		return errors.Wrapf(err, "failed to persist run %s", r.ID)
	}
	rn.emit(events.Event{Type: started, Status: string(r.Status)})
	rn.unlock()

	rn.log.Starting("Run started",
		"jobs", len(r.Jobs),
		"max_concurrent_jobs", rn.ceiling,
		"resume_count", r.ResumeCount,
	)
	go rn.loop()
	return nil
}

func (o *Orchestrator) active(runID string) *runner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[runID]
}

func (o *Orchestrator) forget(rn *runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[rn.run.ID] == rn {
		delete(o.runs, rn.run.ID)
	}
}

// Active returns the ids of runs with a live scheduler in this process
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// Status returns the latest state of a run: live state for active runs,
// the persisted snapshot otherwise.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*run.StatusReport, error) {
	if rn := o.active(runID); rn != nil {
		rn.mu.Lock()
		defer rn.mu.Unlock()
		return rn.run.Report(), nil
	}
	r, err := o.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r.Report(), nil
}

// Wait blocks until the run's scheduler exits or ctx is done, and returns a
// copy of the run.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*run.Run, error) {
	if rn := o.active(runID); rn != nil {
		select {
		case <-rn.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		rn.mu.Lock()
		defer rn.mu.Unlock()
		return rn.run.Clone(), nil
	}
	return o.store.Load(ctx, runID)
}

// Cancel stops a run. Every job not yet terminal becomes cancelled and
// running executors are signalled through their context. Cancel returns
// without waiting for executors; the scheduler gives them the grace period
// and then finalizes the run as cancelled.
//
// A run with no scheduler in this process is cancelled in storage.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	if rn := o.active(runID); rn != nil {
		return rn.cancel()
	}

	r, err := o.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case r.Status == run.StatusCancelled:
		return nil
	case r.Status.Terminal():
		return errors.NewConflictError("run %s is already %s", runID, r.Status)
	}
	jobs, err := run.NewJobStore(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, id := range jobs.IDs() {
		jobs.Cancel(id, ErrCancelled.Error(), now)
	}
	r.Finish(run.StatusCancelled, now)
	r.Revision++
	if err := o.store.Save(ctx, r); err != nil {
		return errors.Wrapf(err, "failed to persist cancelled run %s", runID)
	}
	o.bus.Publish(events.Event{Type: events.RunCancelled, RunID: runID, Time: now, Status: string(run.StatusCancelled)})
	o.log.Closing("Run cancelled in storage", logger.FieldRunID, runID)
	return nil
}

// Pause stops dispatching new jobs. Jobs already running finish, then the
// run is persisted as paused and its scheduler exits. Resume continues it.
func (o *Orchestrator) Pause(ctx context.Context, runID string) error {
	rn := o.active(runID)
	if rn == nil {
		r, err := o.store.Load(ctx, runID)
		if err != nil {
			return err
		}
		if r.Status == run.StatusPaused {
			return nil
		}
		return errors.NewConflictError("run %s is %s and not active in this process", runID, r.Status)
	}
	return rn.pause()
}

// Resume continues a persisted run.
//
// A completed run is returned as is without dispatching anything, and so is
// a running or paused run whose jobs have all finished, after it is marked
// completed; neither counts against MaxResumes. Only
// running (interrupted) and paused runs may resume; jobs left running,
// queued, failed, blocked or cancelled go back to pending with a fresh
// retry budget.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (string, error) {
	if o.active(runID) != nil {
		return "", errors.NewConflictError("run %s is already active", runID)
	}
	r, err := o.store.Load(ctx, runID)
	if err != nil {
		return "", err
	}

	switch r.Status {
	case run.StatusCompleted:
		return r.ID, nil
	case run.StatusRunning, run.StatusPaused:
	default:
		err := errors.NewConflictError("run %s is %s and cannot be resumed", runID, r.Status)
		return "", errors.WithHint(err, "only running or paused runs can resume; start a new run instead")
	}
	if finished(r) {
		// Stopped between the last job and finalization
		if err := o.complete(ctx, r); err != nil {
			return "", err
		}
		return r.ID, nil
	}
	if o.opts.MaxResumes > 0 && r.ResumeCount >= o.opts.MaxResumes {
		err := errors.NewConflictError("run %s has been resumed %d times", runID, r.ResumeCount)
		return "", errors.WithHintf(err, "raise pulse.max_resumes (currently %d) to allow more", o.opts.MaxResumes)
	}
	if r.Definition == nil {
		return "", errors.Newf("run %s has no definition snapshot", runID)
	}
	if r.Graph == nil {
		if r.Graph, err = pipeline.Validate(r.Definition); err != nil {
			return "", errors.Wrapf(err, "run %s definition", runID)
		}
	}

	jobs, err := run.NewJobStore(r)
	if err != nil {
		return "", err
	}
	reset := jobs.ResetForResume()
	r.ResumeCount++
	r.Status = run.StatusRunning
	r.CompletedAt = nil

	o.log.Starting("Resuming run",
		logger.FieldRunID, runID,
		"reset_jobs", reset,
		"resume_count", r.ResumeCount,
	)
	if err := o.launch(r, events.RunResumed); err != nil {
		return "", err
	}
	return r.ID, nil
}

// finished reports whether every job of r is completed or skipped
func finished(r *run.Run) bool {
	if len(r.Jobs) == 0 {
		return false
	}
	for _, job := range r.Jobs {
		if !job.Status.Satisfied() {
			return false
		}
	}
	return true
}

// complete finalizes a persisted run whose jobs are all done
func (o *Orchestrator) complete(ctx context.Context, r *run.Run) error {
	now := time.Now().UTC()
	r.Finish(run.StatusCompleted, now)
	r.Revision++
	if err := o.store.Save(ctx, r); err != nil {
		return errors.Wrapf(err, "failed to persist completed run %s", r.ID)
	}
	o.bus.Publish(events.Event{Type: events.RunCompleted, RunID: r.ID, Time: now, Status: string(run.StatusCompleted)})
	o.log.Closing("Run completed on resume", logger.FieldRunID, r.ID)
	return nil
}

// Shutdown stops every scheduler without changing run status, so runs stay
// resumable. Executors are cancelled; Shutdown waits for the schedulers to
// exit or for ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	runners := make([]*runner, 0, len(o.runs))
	for _, rn := range o.runs {
		runners = append(runners, rn)
	}
	o.mu.Unlock()

	for _, rn := range runners {
		rn.stop()
	}
	for _, rn := range runners {
		select {
		case <-rn.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.log.Closing("Orchestrator stopped", "runs", len(runners))
	return nil
}
