// Package workflows drives tasks through the pipeline as durable Temporal
// workflows. Each stage runs as one activity against the coordinator, and
// operator actions arrive as signals.
package workflows

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// Workflow, signal and query names.
const (
	PipelineWorkflowName = "PipelineWorkflow"

	SignalGateDecision = "gate-decision"
	SignalResolveIssue = "resolve-issue"
	SignalRetryStage   = "retry-stage"
	SignalCancel       = "cancel"

	QueryProgress = "progress"
)

// PipelineInput starts a pipeline workflow for a task that already exists.
type PipelineInput struct {
	TaskID string

	// StageTimeout bounds one stage execution, approval waits included.
	StageTimeout time.Duration

	// PollInterval is how often a waiting workflow rereads the ledger to
	// notice actions taken outside the workflow.
	PollInterval time.Duration

	// RetryWindow is how long a failed stage waits for a retry before the
	// workflow returns.
	RetryWindow time.Duration
}

// Validate checks that all required fields are set.
func (in *PipelineInput) Validate() error {
	if in.TaskID == "" {
		return fmt.Errorf("TaskID is required")
	}
	if in.StageTimeout < 0 || in.PollInterval < 0 || in.RetryWindow < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func (in *PipelineInput) applyDefaults() {
	if in.StageTimeout == 0 {
		in.StageTimeout = 2 * time.Hour
	}
	if in.PollInterval == 0 {
		in.PollInterval = 30 * time.Second
	}
	if in.RetryWindow == 0 {
		in.RetryWindow = 24 * time.Hour
	}
}

// WorkflowID is the workflow ID used for a task.
func WorkflowID(taskID string) string {
	return "pipeline-" + taskID
}

// PipelineResult summarizes a finished pipeline workflow.
type PipelineResult struct {
	TaskID      string
	Completed   []pipeline.Stage
	FailedStage pipeline.Stage
	Reason      string
	Success     bool
	Errors      []string
}

// StageRef names one stage of a task.
type StageRef struct {
	TaskID string
	Stage  pipeline.Stage
}

// StageOutcome is the ledger state of a stage after an activity.
type StageOutcome struct {
	Stage    pipeline.Stage
	Status   pipeline.StageStatus
	Reason   string
	Attempts int
}

// GateDecision is the payload of the gate-decision signal.
type GateDecision struct {
	GateID   string
	Approved bool
	Notes    string
}

// IssueResolution is the payload of the resolve-issue signal.
type IssueResolution struct {
	TaskID  string
	IssueID string
}

// RetryRequest is the payload of the retry-stage signal. The failed stage
// of the task is retried.
type RetryRequest struct {
	Requester string
}

// CancelRequest is the payload of the cancel signal.
type CancelRequest struct {
	Reason string
}
