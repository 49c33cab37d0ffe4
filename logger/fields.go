package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across relay.
const (
	// Identity
	FieldRunID     = "run_id"
	FieldJobID     = "job_id"
	FieldPipeline  = "pipeline"
	FieldAgent     = "agent"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"
	FieldBackend   = "backend"

	// Execution
	FieldAttempt    = "attempt"
	FieldRevision   = "revision"
	FieldDelay      = "delay"
	FieldDurationMS = "duration_ms"
	FieldRunning    = "running"
	FieldReady      = "ready"

	// Errors
	FieldError = "error"

	// Status
	FieldStatus   = "status"
	FieldProgress = "progress"

	// Files and network
	FieldPath    = "path"
	FieldAddress = "address"
	FieldPort    = "port"

	FieldSymbol = "symbol" // glyph from package sym (꩜, ✿, ❀, ⊔)
)

type contextKey string

const (
	runIDKey     contextKey = "logger_run_id"
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext decorates base with the fields carried by ctx.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	orch := engine.New(adapter, exec, bus, logger.ComponentLogger("pulse"), opts)
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
