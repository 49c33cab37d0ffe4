// Package executor defines how jobs are handed to the agents that do the work.
//
// The engine only knows TaskExecutor. Registry routes a job to the executor
// registered for its agent reference; CommandExecutor runs an external
// program such as an agent CLI or a shell.
package executor

import (
	"context"
	"encoding/json"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pipeline"
)

// Request is everything an executor gets for one attempt of one job
type Request struct {
	RunID        string
	Job          pipeline.JobDefinition
	Inputs       map[string]any             // job inputs with templates rendered
	Context      map[string]any             // run inputs
	Env          map[string]string          // pipeline env
	Dependencies map[string]json.RawMessage // outputs of completed dependencies
	Attempt      int                        // 1-based
}

// Reporter receives progress and log lines while a job runs.
// Calls after Execute returns are ignored.
type Reporter interface {
	Progress(percent int)
	Log(level, message string)
}

// TaskExecutor runs one attempt of a job.
// Execute must return promptly once ctx is done.
type TaskExecutor interface {
	Execute(ctx context.Context, req *Request, rep Reporter) (json.RawMessage, error)
}

// Func adapts a function to TaskExecutor
type Func func(ctx context.Context, req *Request, rep Reporter) (json.RawMessage, error)

// Execute implements TaskExecutor
func (f Func) Execute(ctx context.Context, req *Request, rep Reporter) (json.RawMessage, error) {
	return f(ctx, req, rep)
}

// NopReporter discards everything
type NopReporter struct{}

func (NopReporter) Progress(int) {}

func (NopReporter) Log(string, string) {}

// ErrPermanent marks failures that retrying cannot fix
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err so the engine fails the job without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}
