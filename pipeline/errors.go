package pipeline

import (
	"fmt"
	"strings"

	"github.com/teranos/relay/errors"
)

// Validation kinds, matched with errors.Is
var (
	ErrInvalid    = errors.New("invalid pipeline definition")
	ErrDependency = errors.New("unknown dependency")
	ErrCycle      = errors.New("dependency cycle")
)

// ValidationError reports a malformed definition.
// It is fatal and surfaced before any job runs; it is never retried.
type ValidationError struct {
	JobID   string   // empty for pipeline-level problems
	Field   string   // offending field, e.g. "dependsOn"
	Message string
	Cycle   []string // job ids along the cycle, first id repeated at the end
	kind    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.JobID != "" {
		fmt.Fprintf(&b, ": job %q", e.JobID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap exposes the kind so errors.Is(err, ErrDependency) works
func (e *ValidationError) Unwrap() error {
	if e.kind == nil {
		return ErrInvalid
	}
	return e.kind
}

// Is makes every kind also match ErrInvalid
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func invalidf(jobID, field, format string, args ...any) *ValidationError {
	return &ValidationError{JobID: jobID, Field: field, Message: fmt.Sprintf(format, args...), kind: ErrInvalid}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDependencyError reports whether err names an unknown dependency
func IsDependencyError(err error) bool {
	return err != nil && errors.Is(err, ErrDependency)
}
