package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/events"
	"github.com/teranos/relay/pulse/run"
)

// runner is the scheduler of one run. Every field below mu is guarded by it.
type runner struct {
	o       *Orchestrator
	log     pulseLogger
	ceiling int
	limiter *rate.Limiter // nil = unlimited

	ctx     context.Context // cancelled by Shutdown
	stop    context.CancelFunc
	results chan result
	wake    chan struct{}
	done    chan struct{}

	pub *publisher

	mu              sync.Mutex
	run             *run.Run
	jobs            *run.JobStore
	inflight        map[string]*attempt
	cancelRequested bool
	pauseRequested  bool
	failure         string // set when a job fails the whole run
	outbox          []events.Event
}

func newRunner(o *Orchestrator, r *run.Run) (*runner, error) {
	jobs, err := run.NewJobStore(r)
	if err != nil {
		return nil, err
	}
	ceiling := r.Definition.Concurrency.MaxConcurrentJobs
	if ceiling <= 0 {
		ceiling = o.opts.MaxConcurrentJobs
	}
	ctx, stop := context.WithCancel(context.Background())
	rn := &runner{
		o:        o,
		log:      o.log.with(logger.FieldRunID, r.ID, logger.FieldPipeline, r.Pipeline),
		ceiling:  ceiling,
		ctx:      ctx,
		stop:     stop,
		results:  make(chan result, len(r.Jobs)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		run:      r,
		jobs:     jobs,
		inflight: make(map[string]*attempt),
		pub:      newPublisher(o.bus),
	}
	if o.opts.DispatchRate > 0 {
		rn.limiter = rate.NewLimiter(rate.Limit(o.opts.DispatchRate), 1)
	}
	return rn, nil
}

// unlock releases mu and hands events queued while it was held to the
// run's publisher. Bus callbacks may read run status but must not cancel,
// pause, resume or wait for runs.
func (rn *runner) unlock() {
	pending := rn.outbox
	rn.outbox = nil
	if len(pending) == 0 || rn.pub.push(pending) {
		rn.mu.Unlock()
		return
	}
	rn.mu.Unlock()
	for _, e := range pending {
		rn.o.bus.Publish(e)
	}
}

func (rn *runner) emit(e events.Event) {
	e.RunID = rn.run.ID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	rn.outbox = append(rn.outbox, e)
}

func (rn *runner) signal() {
	select {
	case rn.wake <- struct{}{}:
	default:
	}
}

// persist bumps the revision and writes a snapshot. Writes happen under mu,
// so they reach the store in revision order.
func (rn *runner) persist() error {
	rn.run.Revision++
	rn.run.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return rn.o.store.Save(ctx, rn.run.Clone())
}

// save persists and logs failures; the run carries on in memory and the
// next successful write catches the store up.
func (rn *runner) save() {
	if err := rn.persist(); err != nil {
		rn.log.Errorw("Failed to persist run",
			logger.FieldRevision, rn.run.Revision,
			logger.FieldError, err,
		)
	}
}

// loop runs until the run reaches a terminal state, pauses, or the
// orchestrator shuts down.
func (rn *runner) loop() {
	defer close(rn.done)
	defer rn.o.forget(rn)
	defer rn.pub.close()
	defer rn.stop()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		rn.mu.Lock()
		wait, finished := rn.advance()
		rn.unlock()
		if finished {
			return
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case res := <-rn.results:
			rn.handle(res)
		case <-rn.wake:
		case <-timerC:
		case <-rn.ctx.Done():
			rn.abandon()
			return
		}

		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// advance makes every scheduling decision possible right now. It returns
// how long to wait before calling it again (negative = until something
// happens) and whether the scheduler is finished.
func (rn *runner) advance() (time.Duration, bool) {
	now := time.Now().UTC()

	switch {
	case rn.cancelRequested:
		if len(rn.inflight) > 0 {
			return -1, false
		}
		rn.finalize(run.StatusCancelled, now)
		return 0, true

	case rn.failure != "":
		rn.haltInflight(fmt.Sprintf("cancelled: %s", rn.failure), now)
		if len(rn.inflight) > 0 {
			return -1, false
		}
		rn.finalize(run.StatusFailed, now)
		return 0, true

	case rn.pauseRequested:
		rn.unqueueAll()
		if len(rn.inflight) > 0 {
			return -1, false
		}
		rn.run.Status = run.StatusPaused
		rn.save()
		rn.emit(events.Event{Type: events.RunPaused, Status: string(run.StatusPaused)})
		rn.log.Closing("Run paused")
		return 0, true
	}

	changed := false
	ready, skipped := rn.jobs.ReadyJobs(now)
	for _, id := range skipped {
		changed = true
		rn.emit(events.Event{Type: events.JobSkipped, JobID: id, Status: string(run.JobSkipped)})
		rn.log.Pulse("Job skipped, condition is false", logger.FieldJobID, id)
	}
	for _, id := range ready {
		if err := rn.jobs.Queue(id); err == nil {
			changed = true
		}
	}
	if changed {
		rn.save()
	}

	wait := time.Duration(-1)
	for _, id := range rn.jobs.IDsWithStatus(run.JobQueued) {
		if len(rn.inflight) >= rn.ceiling {
			break
		}
		if rn.limiter != nil {
			res := rn.limiter.ReserveN(now, 1)
			if d := res.DelayFrom(now); d > 0 {
				res.CancelAt(now)
				wait = d
				break
			}
		}
		if !rn.dispatch(id, now) {
			// the job failed before reaching the executor; re-evaluate at once
			return 0, false
		}
	}

	if len(rn.inflight) == 0 {
		if rn.jobs.Done() {
			rn.finalize(rn.jobs.Outcome(), now)
			return 0, true
		}
		_, retrying := rn.jobs.NextRetryAt()
		if wait < 0 && !retrying && len(rn.jobs.IDsWithStatus(run.JobQueued)) == 0 {
			rn.failure = fmt.Sprintf("run stalled: jobs %v can never become ready", rn.jobs.IDsWithStatus(run.JobPending))
			rn.run.AddError(rn.failure)
			return 0, false
		}
	}

	if at, ok := rn.jobs.NextRetryAt(); ok {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		if wait < 0 || d < wait {
			wait = d
		}
	}
	return wait, false
}

// finalize moves the run to a terminal status, persists and announces it
func (rn *runner) finalize(status run.Status, now time.Time) {
	rn.run.Finish(status, now)
	rn.save()

	e := events.Event{Status: string(status)}
	switch status {
	case run.StatusCompleted:
		e.Type = events.RunCompleted
	case run.StatusCancelled:
		e.Type = events.RunCancelled
	default:
		e.Type = events.RunFailed
		if len(rn.run.Errors) > 0 {
			e.Error = rn.run.Errors[len(rn.run.Errors)-1]
		}
	}
	rn.emit(e)
	rn.log.Closing("Run finished",
		logger.FieldStatus, status,
		logger.FieldDurationMS, now.Sub(rn.run.StartedAt).Milliseconds(),
		"errors", len(rn.run.Errors),
	)
}

// haltInflight cancels every running attempt and returns queued jobs to
// pending, used when a job failure ends the run.
func (rn *runner) haltInflight(reason string, now time.Time) {
	for id, att := range rn.inflight {
		if rn.jobs.Cancel(id, reason, now) {
			rn.emit(events.Event{Type: events.JobCancelled, JobID: id, Status: string(run.JobCancelled), Error: reason})
			rn.save()
		}
		att.cancel()
	}
	rn.unqueueAll()
}

func (rn *runner) unqueueAll() {
	changed := false
	for _, id := range rn.jobs.IDsWithStatus(run.JobQueued) {
		if err := rn.jobs.Unqueue(id); err == nil {
			changed = true
		}
	}
	if changed {
		rn.save()
	}
}

// cancel handles Orchestrator.Cancel for an active run
func (rn *runner) cancel() error {
	rn.mu.Lock()
	defer rn.unlock()

	switch {
	case rn.run.Status == run.StatusCancelled || rn.cancelRequested:
		return nil
	case rn.run.Status.Terminal():
		return errors.NewConflictError("run %s is already %s", rn.run.ID, rn.run.Status)
	}

	now := time.Now().UTC()
	rn.cancelRequested = true
	for _, id := range rn.jobs.IDs() {
		if rn.jobs.Cancel(id, ErrCancelled.Error(), now) {
			rn.emit(events.Event{Type: events.JobCancelled, JobID: id, Status: string(run.JobCancelled)})
		}
	}
	for _, att := range rn.inflight {
		att.cancel()
	}
	rn.run.Status = run.StatusCancelled
	rn.save()
	rn.log.Pulse("Run cancellation requested", logger.FieldRunning, len(rn.inflight))
	rn.signal()
	return nil
}

// pause handles Orchestrator.Pause for an active run
func (rn *runner) pause() error {
	rn.mu.Lock()
	defer rn.unlock()

	switch {
	case rn.run.Status == run.StatusPaused || rn.pauseRequested:
		return nil
	case rn.run.Status != run.StatusRunning || rn.cancelRequested:
		return errors.NewConflictError("run %s is %s and cannot pause", rn.run.ID, rn.run.Status)
	}
	rn.pauseRequested = true
	rn.log.Pulse("Run pause requested", logger.FieldRunning, len(rn.inflight))
	rn.signal()
	return nil
}

// abandon runs on Shutdown: attempts are cancelled and drained, and the run
// is left as last persisted so it can resume.
func (rn *runner) abandon() {
	rn.mu.Lock()
	for _, att := range rn.inflight {
		att.cancel()
	}
	rn.unlock()

	for {
		rn.mu.Lock()
		remaining := len(rn.inflight)
		rn.mu.Unlock()
		if remaining == 0 {
			break
		}
		rn.handle(<-rn.results)
	}
	rn.log.Closing("Run scheduler stopped for shutdown")
}
