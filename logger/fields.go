package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity and context
	FieldExecutionID  = "execution_id"
	FieldEnrollmentID = "enrollment_id"
	FieldSequenceID   = "sequence_id"
	FieldStepID       = "step_id"
	FieldClientID     = "client_id"
	FieldMessageID    = "message_id"
	FieldRequestID    = "request_id"

	// Components
	FieldComponent = "component"
	FieldTransport = "transport"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldBucket     = "bucket"
	FieldNextStepAt = "next_step_at"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount      = "count"
	FieldBatch      = "batch"
	FieldBatchSize  = "batch_size"
	FieldProcessed  = "processed"
	FieldSuccessful = "successful"
	FieldFailed     = "failed"

	// Status
	FieldStatus = "status"
	FieldReason = "reason"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"

	FieldSymbol = "symbol" // segment symbol (꩜, ⊔, ⟶, ...)
)

type contextKey string

const (
	executionIDKey contextKey = "logger_execution_id"
	requestIDKey   contextKey = "logger_request_id"
	componentKey   contextKey = "logger_component"
)

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRequestID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base with the fields carried by ctx attached.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	engine := drip.NewEngine(store, gate, sender, cfg, logger.ComponentLogger("drip.engine"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
