package engine

import (
	"fmt"

	"github.com/teranos/relay/errors"
)

var (
	// ErrTimeout marks an attempt that outlived its timeout. It is retryable
	// and satisfies errors.Is(err, errors.ErrTimeout).
	ErrTimeout = errors.Mark(errors.New("job timed out"), errors.ErrTimeout)

	// ErrCancelled is recorded on jobs stopped by a run cancellation
	ErrCancelled = errors.New("run cancelled")
)

// ExecutionError is a failed attempt of one job
type ExecutionError struct {
	RunID   string
	JobID   string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s attempt %d: %v", e.JobID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is an attempt timeout
func IsTimeout(err error) bool {
	return err != nil && errors.Is(err, ErrTimeout)
}
