package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	// ErrInvalidTransition means stage sequencing was violated.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict means a duplicate gate or concurrent stage start.
	ErrConflict = errors.New("conflict")

	// ErrNotFound means the referenced task, stage, gate or issue does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAdapterFailure wraps reasoning and tool adapter failures.
	ErrAdapterFailure = errors.New("adapter failure")

	// ErrIterationExhausted means the loop hit its iteration bound.
	ErrIterationExhausted = errors.New("iteration exhausted")

	// ErrApprovalRejected means a gate was resolved with approved=false.
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrApprovalTimeout means a bounded gate expired before a decision.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrCancelled means the task was cancelled externally.
	ErrCancelled = errors.New("cancelled")

	// ErrUnrecoverableValidation means validation failed without asking for another iteration.
	ErrUnrecoverableValidation = errors.New("unrecoverable validation failure")

	// ErrCriticalStepFailed means a critical step failed and aborted the loop.
	ErrCriticalStepFailed = errors.New("critical step failed")

	// ErrUnresolvedIssues means CodeReview still has Critical or Major issues.
	ErrUnresolvedIssues = errors.New("unresolved review issues")
)

// Reason strings recorded on Failed stages.
const (
	ReasonPlanRejected            = "plan rejected"
	ReasonValidationUnrecoverable = "unrecoverable validation failure"
	ReasonMaxIterations           = "max iterations exhausted"
	ReasonCancelled               = "cancelled"
	ReasonApprovalTimeout         = "approval timed out"
	ReasonClarificationDeclined   = "clarification declined"
)

// Error is a structured pipeline error carrying its kind and location.
type Error struct {
	Op     string // operation that failed, e.g. "start_stage"
	Kind   error  // one of the Err* kinds above
	TaskID string
	Stage  Stage
	Reason string // human-readable reason, recorded on the stage
	Err    error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", e.TaskID)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	b.WriteString(": ")
	switch {
	case e.Reason != "":
		b.WriteString(e.Reason)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

// NewError creates a pipeline error.
func NewError(op string, kind error, taskID string, stage Stage, reason string, cause error) *Error {
	return &Error{Op: op, Kind: kind, TaskID: taskID, Stage: stage, Reason: reason, Err: cause}
}

// ReasonOf extracts the recorded reason from err, falling back to its text.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	return err.Error()
}

// KindOf returns the pipeline error kind of err, or nil.
func KindOf(err error) error {
	for _, k := range []error{
		ErrInvalidTransition, ErrConflict, ErrNotFound, ErrAdapterFailure,
		ErrIterationExhausted, ErrApprovalRejected, ErrApprovalTimeout, ErrCancelled,
		ErrUnrecoverableValidation, ErrCriticalStepFailed, ErrUnresolvedIssues,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
