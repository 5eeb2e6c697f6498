package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// StageDriver is the coordinator surface the activities use.
type StageDriver interface {
	ExecuteStage(ctx context.Context, taskID string, stage pipeline.Stage) error
	StartStage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error)
	Stage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error)
	Cancel(ctx context.Context, taskID string) (*pipeline.StageEntry, error)
	ResolveIssue(ctx context.Context, taskID, issueID string) (*pipeline.Issue, error)
}

// GateResolver resolves approval gates.
type GateResolver interface {
	Resolve(ctx context.Context, gateID string, approved bool, notes string) (*pipeline.Gate, error)
}

// Activities binds the pipeline activities to the coordinator and gate
// manager of the worker process. Register it with worker.RegisterActivity.
type Activities struct {
	Driver StageDriver
	Gates  GateResolver

	// HeartbeatEvery is the heartbeat period of ExecuteStage. Zero uses 10s.
	HeartbeatEvery time.Duration
}

// ExecuteStage runs the stage's runner and reports the resulting ledger
// state. A stage that ends Failed is an outcome, not an activity error.
func (a *Activities) ExecuteStage(ctx context.Context, ref StageRef) (*StageOutcome, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Executing stage", "task", ref.TaskID, "stage", ref.Stage)

	start := time.Now()
	stop := a.heartbeat(ctx, ref)
	runErr := a.Driver.ExecuteStage(ctx, ref.TaskID, ref.Stage)
	stop()

	out, err := a.outcome(context.WithoutCancel(ctx), ref)
	if err != nil {
		return nil, a.fail(ctx, "read stage", err)
	}
	stageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("stage", string(ref.Stage)),
		attribute.String("status", string(out.Status)),
	))
	stageActivityCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(ref.Stage))))

	if runErr != nil && out.Status == pipeline.StatusInProgress {
		// The runner never took the stage, so nothing was recorded.
		return nil, a.fail(ctx, "execute stage", runErr)
	}
	if runErr != nil {
		logger.Info("Stage ended with error", "stage", ref.Stage, "status", out.Status, "error", runErr)
	}
	return out, nil
}

// StageStatus reads the ledger state of a stage.
func (a *Activities) StageStatus(ctx context.Context, ref StageRef) (*StageOutcome, error) {
	out, err := a.outcome(ctx, ref)
	if err != nil {
		return nil, a.fail(ctx, "read stage", err)
	}
	return out, nil
}

// StartStage retries a Failed stage.
func (a *Activities) StartStage(ctx context.Context, ref StageRef) (*StageOutcome, error) {
	if _, err := a.Driver.StartStage(ctx, ref.TaskID, ref.Stage); err != nil {
		return nil, a.fail(ctx, "start stage", err)
	}
	return a.StageStatus(ctx, ref)
}

// ResolveGate applies an operator decision to a pending gate.
func (a *Activities) ResolveGate(ctx context.Context, d GateDecision) error {
	if _, err := a.Gates.Resolve(ctx, d.GateID, d.Approved, d.Notes); err != nil {
		return a.fail(ctx, "resolve gate", err)
	}
	signalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", SignalGateDecision)))
	return nil
}

// ResolveIssue marks a review issue resolved.
func (a *Activities) ResolveIssue(ctx context.Context, r IssueResolution) error {
	if _, err := a.Driver.ResolveIssue(ctx, r.TaskID, r.IssueID); err != nil {
		return a.fail(ctx, "resolve issue", err)
	}
	signalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", SignalResolveIssue)))
	return nil
}

// CancelTask fails the active stage of a task as cancelled.
func (a *Activities) CancelTask(ctx context.Context, taskID string) error {
	if _, err := a.Driver.Cancel(ctx, taskID); err != nil {
		return a.fail(ctx, "cancel", err)
	}
	signalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", SignalCancel)))
	return nil
}

func (a *Activities) outcome(ctx context.Context, ref StageRef) (*StageOutcome, error) {
	entry, err := a.Driver.Stage(ctx, ref.TaskID, ref.Stage)
	if err != nil {
		return nil, err
	}
	return &StageOutcome{Stage: entry.Stage, Status: entry.Status, Reason: entry.Reason, Attempts: entry.Attempts}, nil
}

func (a *Activities) fail(ctx context.Context, op string, err error) error {
	activityErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
	return activityError(op, err)
}

// heartbeat records liveness until stop is called, so a stage blocked on an
// approval gate outlives its heartbeat timeout.
func (a *Activities) heartbeat(ctx context.Context, ref StageRef) (stop func()) {
	every := a.HeartbeatEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx, fmt.Sprintf("%s/%s", ref.TaskID, ref.Stage))
			}
		}
	}()
	return func() { close(done) }
}
