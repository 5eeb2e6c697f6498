package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// ErrorSeverity tells the workflow whether an error ends the run.
type ErrorSeverity string

const (
	// ErrorSeverityCritical fails the workflow.
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh is recorded on the result and the workflow continues.
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityLow is logged only.
	ErrorSeverityLow ErrorSeverity = "low"
)

// WorkflowError is a structured workflow failure.
type WorkflowError struct {
	Operation string
	Severity  ErrorSeverity
	Err       error
	Context   string
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to work with WorkflowError.
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a workflow error with context.
func NewWorkflowError(operation string, severity ErrorSeverity, err error, context string) *WorkflowError {
	return &WorkflowError{
		Operation: operation,
		Severity:  severity,
		Err:       err,
		Context:   context,
	}
}

// FormatErrorForResult formats an error for PipelineResult.Errors.
func FormatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}

// Application error types carried across the activity boundary.
const (
	ErrTypeInvalidTransition = "InvalidTransition"
	ErrTypeConflict          = "Conflict"
	ErrTypeNotFound          = "NotFound"
)

// activityError converts coordinator errors into Temporal application
// errors. Ledger rule violations are not retried; anything else keeps the
// activity retry policy.
func activityError(operation string, err error) error {
	if err == nil {
		return nil
	}
	msg := FormatErrorForResult(operation, err)
	switch {
	case errors.Is(err, pipeline.ErrInvalidTransition):
		return temporal.NewNonRetryableApplicationError(msg, ErrTypeInvalidTransition, err)
	case errors.Is(err, pipeline.ErrNotFound):
		return temporal.NewNonRetryableApplicationError(msg, ErrTypeNotFound, err)
	case errors.Is(err, pipeline.ErrConflict):
		return temporal.NewNonRetryableApplicationError(msg, ErrTypeConflict, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// isApplicationErrorType reports whether err is an application error of
// the given type, as seen by the workflow after an activity failure.
func isApplicationErrorType(err error, typ string) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == typ
}
