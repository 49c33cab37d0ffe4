package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pipeline/when"
	"github.com/teranos/relay/pulse/events"
	"github.com/teranos/relay/pulse/executor"
	"github.com/teranos/relay/pulse/run"
)

// attempt is one in-flight execution of a job
type attempt struct {
	number  int
	timeout time.Duration
	cancel  context.CancelFunc
}

// result is what an attempt goroutine reports back to the scheduler
type result struct {
	jobID    string
	attempt  int
	output   json.RawMessage
	err      error
	timedOut bool
}

// dispatch starts job id. It reports false when the job failed before
// reaching the executor.
func (rn *runner) dispatch(id string, now time.Time) bool {
	def := rn.jobs.Definition(id)
	number, err := rn.jobs.Start(id, now)
	if err != nil {
		rn.log.Errorw("Cannot start job", logger.FieldJobID, id, logger.FieldError, err)
		return false
	}

	rendered, err := when.Render(def.Inputs, rn.jobs.Scope())
	if err != nil {
		err = executor.Permanent(errors.Wrap(err, "failed to render inputs"))
		rn.failAttempt(id, number, err, false, now)
		return false
	}
	inputs, _ := rendered.(map[string]any)

	timeout := def.Timeout
	if timeout == 0 {
		timeout = rn.run.Definition.Timeout
	}
	if timeout == 0 {
		timeout = rn.o.opts.DefaultTimeout
	}

	req := &executor.Request{
		RunID:        rn.run.ID,
		Job:          *def,
		Inputs:       inputs,
		Context:      copyMap(rn.run.Context),
		Env:          rn.run.Definition.Env,
		Dependencies: rn.jobs.DependencyOutputs(id),
		Attempt:      number,
	}

	ctx, cancel := context.WithCancel(rn.ctx)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}
	rn.inflight[id] = &attempt{number: number, timeout: timeout, cancel: cancel}

	rn.emit(events.Event{Type: events.JobStarted, JobID: id, Status: string(run.JobRunning), Attempt: number})
	rn.save()
	rn.log.Pulse("Dispatching job",
		logger.FieldJobID, id,
		logger.FieldAgent, def.Agent,
		logger.FieldAttempt, number,
		logger.FieldRunning, len(rn.inflight),
	)

	go rn.execute(ctx, req)
	return true
}

// execute calls the executor. Once ctx is done the executor has the grace
// period to return; after that the attempt is reported without it.
func (rn *runner) execute(ctx context.Context, req *executor.Request) {
	rep := &reporter{rn: rn, jobID: req.Job.ID, attempt: req.Attempt}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: errors.Newf("executor panic: %v", p)}
			}
		}()
		out, err := rn.o.exec.Execute(ctx, req, rep)
		done <- result{output: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(rn.o.opts.GracePeriod)
		select {
		case res = <-done:
		case <-grace.C:
			res = result{err: errors.Wrap(ctx.Err(), "executor did not stop within the grace period")}
		}
		grace.Stop()
	}
	if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.timedOut = true
	}
	res.jobID = req.Job.ID
	res.attempt = req.Attempt
	rn.results <- res
}

// handle applies an attempt's result
func (rn *runner) handle(res result) {
	rn.mu.Lock()
	defer rn.unlock()

	att := rn.inflight[res.jobID]
	if att == nil || att.number != res.attempt {
		return
	}
	delete(rn.inflight, res.jobID)
	att.cancel()

	if rn.ctx.Err() != nil {
		return
	}
	if job := rn.run.Job(res.jobID); job == nil || job.Status != run.JobRunning {
		// cancelled while running; the late result is dropped
		rn.log.Debugw("Discarding result of stopped job", logger.FieldJobID, res.jobID)
		return
	}

	now := time.Now().UTC()
	if res.err == nil {
		if err := rn.jobs.Complete(res.jobID, res.output, now); err != nil {
			rn.log.Errorw("Cannot complete job", logger.FieldJobID, res.jobID, logger.FieldError, err)
			return
		}
		rn.emit(events.Event{
			Type:     events.JobCompleted,
			JobID:    res.jobID,
			Status:   string(run.JobCompleted),
			Output:   res.output,
			Attempt:  res.attempt,
			Progress: 100,
		})
		rn.save()
		rn.log.Pulse("Job completed", logger.FieldJobID, res.jobID, logger.FieldAttempt, res.attempt)
		return
	}

	err := res.err
	if res.timedOut {
		err = errors.Wrapf(ErrTimeout, "after %s", att.timeout)
	}
	rn.failAttempt(res.jobID, res.attempt, err, res.timedOut, now)
}

// failAttempt retries the job when its policy allows, otherwise fails it
// and either blocks its dependents or fails the run.
func (rn *runner) failAttempt(id string, number int, cause error, timedOut bool, now time.Time) {
	def := rn.jobs.Definition(id)
	job := rn.run.Job(id)
	execErr := &ExecutionError{RunID: rn.run.ID, JobID: id, Attempt: number, Err: cause}
	msg := execErr.Error()

	policy := def.Retry.Policy(rn.o.opts.MaxRetryDelay)
	if !executor.IsPermanent(cause) && policy.ShouldRetry(job.Attempts) {
		delay := policy.Delay(job.Attempts)
		if err := rn.jobs.Retry(id, msg, now.Add(delay)); err != nil {
			rn.log.Errorw("Cannot schedule retry", logger.FieldJobID, id, logger.FieldError, err)
			return
		}
		rn.emit(events.Event{
			Type:    events.JobRetryScheduled,
			JobID:   id,
			Status:  string(run.JobPending),
			Error:   msg,
			Attempt: number,
			Delay:   delay,
		})
		rn.save()
		rn.log.Pulse("Job attempt failed, retry scheduled",
			logger.FieldJobID, id,
			logger.FieldAttempt, number,
			logger.FieldDelay, delay,
			"timed_out", timedOut,
			logger.FieldError, cause,
		)
		return
	}

	if err := rn.jobs.Fail(id, msg, now); err != nil {
		rn.log.Errorw("Cannot fail job", logger.FieldJobID, id, logger.FieldError, err)
		return
	}
	rn.run.AddError(msg)
	rn.emit(events.Event{Type: events.JobFailed, JobID: id, Status: string(run.JobFailed), Error: msg, Attempt: number})
	rn.log.Warnw("Job failed",
		logger.FieldJobID, id,
		logger.FieldAttempt, number,
		"continue_on_error", def.ContinueOnError,
		logger.FieldError, cause,
	)

	if def.ContinueOnError {
		for _, blocked := range rn.jobs.BlockDownstream(id, now) {
			rn.emit(events.Event{
				Type:   events.JobBlocked,
				JobID:  blocked,
				Status: string(run.JobBlocked),
				Error:  rn.run.Job(blocked).Error,
			})
		}
	} else {
		rn.failure = msg
	}
	rn.save()
}

// reporter forwards executor callbacks for one attempt. Calls that arrive
// after the attempt ended are ignored.
type reporter struct {
	rn      *runner
	jobID   string
	attempt int
}

func (p *reporter) current() bool {
	att := p.rn.inflight[p.jobID]
	return att != nil && att.number == p.attempt
}

func (p *reporter) Progress(percent int) {
	rn := p.rn
	rn.mu.Lock()
	defer rn.unlock()
	if !p.current() || !rn.jobs.SetProgress(p.jobID, percent) {
		return
	}
	rn.emit(events.Event{
		Type:     events.JobProgress,
		JobID:    p.jobID,
		Status:   string(run.JobRunning),
		Progress: rn.run.Job(p.jobID).Progress,
		Attempt:  p.attempt,
	})
}

func (p *reporter) Log(level, message string) {
	rn := p.rn
	rn.mu.Lock()
	defer rn.unlock()
	if !p.current() {
		return
	}
	now := time.Now().UTC()
	entry := run.LogEntry{Time: now, Level: level, Message: message, Attempt: p.attempt}
	if !rn.jobs.AppendLog(p.jobID, entry, rn.o.opts.MaxLogEntries) {
		return
	}
	rn.emit(events.Event{
		Type:    events.JobLog,
		JobID:   p.jobID,
		Time:    now,
		Level:   level,
		Message: message,
		Attempt: p.attempt,
	})
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
