package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "persist run %s", "r-1")

	assert.Contains(t, wrapped.Error(), "persist run r-1")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

type customError struct {
	msg string
}

func (e *customError) Error() string {
	return e.msg
}

func TestAsThroughWrap(t *testing.T) {
	original := &customError{msg: "custom"}
	wrapped := Wrap(original, "wrapped")

	var target *customError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "custom", target.msg)
}

func TestWithDetailAndHint(t *testing.T) {
	err := New("error")
	err = WithDetail(err, "Run ID: r-1")
	err = WithHint(err, "resume the run")

	assert.Equal(t, []string{"Run ID: r-1"}, GetAllDetails(err))
	assert.Equal(t, []string{"resume the run"}, GetAllHints(err))
}

func TestSentinelConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", NewNotFoundError("run %s", "r-1"), IsNotFoundError},
		{"invalid request", NewInvalidRequestError("bad %d", 1), IsInvalidRequestError},
		{"conflict", NewConflictError("run %s is completed", "r-1"), IsConflictError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(Wrap(tt.err, "outer")))
			assert.False(t, tt.check(nil))
		})
	}
}

func TestNotFoundMessageIsCallerText(t *testing.T) {
	err := NewNotFoundError("run %s", "abc")
	assert.Equal(t, "run abc", err.Error())
	assert.False(t, IsNotFoundError(fmt.Errorf("run abc not found")))
}
