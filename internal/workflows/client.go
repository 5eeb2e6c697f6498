package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Register adds the pipeline workflow and activities to a worker.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflowWithOptions(PipelineWorkflow, workflow.RegisterOptions{Name: PipelineWorkflowName})
	w.RegisterActivity(acts)
}

// LauncherConfig configures workflows started by a Launcher.
type LauncherConfig struct {
	TaskQueue    string
	StageTimeout time.Duration
	PollInterval time.Duration
	RetryWindow  time.Duration
}

// Launcher starts and signals pipeline workflows.
type Launcher struct {
	client client.Client
	cfg    LauncherConfig
}

// NewLauncher creates a Launcher over a connected Temporal client.
func NewLauncher(c client.Client, cfg LauncherConfig) (*Launcher, error) {
	if c == nil {
		return nil, fmt.Errorf("temporal client is required")
	}
	if cfg.TaskQueue == "" {
		return nil, fmt.Errorf("task queue is required")
	}
	return &Launcher{client: c, cfg: cfg}, nil
}

// Start starts the pipeline workflow of a task. Starting a task that
// already has a running workflow is not an error.
func (l *Launcher) Start(ctx context.Context, taskID string) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(taskID),
		TaskQueue: l.cfg.TaskQueue,
	}
	run, err := l.client.ExecuteWorkflow(ctx, opts, PipelineWorkflowName, PipelineInput{
		TaskID:       taskID,
		StageTimeout: l.cfg.StageTimeout,
		PollInterval: l.cfg.PollInterval,
		RetryWindow:  l.cfg.RetryWindow,
	})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return started.RunId, nil
		}
		return "", fmt.Errorf("start pipeline workflow: %w", err)
	}
	return run.GetRunID(), nil
}

// DecideGate signals a gate decision to the task's workflow.
func (l *Launcher) DecideGate(ctx context.Context, taskID string, d GateDecision) error {
	return l.signal(ctx, taskID, SignalGateDecision, d)
}

// ResolveIssue signals an issue resolution to the task's workflow.
func (l *Launcher) ResolveIssue(ctx context.Context, taskID, issueID string) error {
	return l.signal(ctx, taskID, SignalResolveIssue, IssueResolution{TaskID: taskID, IssueID: issueID})
}

// Retry signals a retry of the task's failed stage.
func (l *Launcher) Retry(ctx context.Context, taskID, requester string) error {
	return l.signal(ctx, taskID, SignalRetryStage, RetryRequest{Requester: requester})
}

// Cancel signals cancellation of the task.
func (l *Launcher) Cancel(ctx context.Context, taskID, reason string) error {
	return l.signal(ctx, taskID, SignalCancel, CancelRequest{Reason: reason})
}

// Progress queries the running workflow of a task.
func (l *Launcher) Progress(ctx context.Context, taskID string) (*PipelineResult, error) {
	v, err := l.client.QueryWorkflow(ctx, WorkflowID(taskID), "", QueryProgress)
	if err != nil {
		return nil, fmt.Errorf("query pipeline workflow: %w", err)
	}
	var res PipelineResult
	if err := v.Get(&res); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &res, nil
}

func (l *Launcher) signal(ctx context.Context, taskID, name string, arg any) error {
	if err := l.client.SignalWorkflow(ctx, WorkflowID(taskID), "", name, arg); err != nil {
		return fmt.Errorf("signal %s: %w", name, err)
	}
	return nil
}
