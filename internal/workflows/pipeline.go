package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// PipelineWorkflow drives one task through every stage.
//
// For each stage it reads the ledger and acts on the status it finds:
//   - Pending: start it
//   - InProgress: run it through the ExecuteStage activity
//   - WaitingApproval: wait for signals, rereading the ledger every PollInterval
//   - Failed: wait up to RetryWindow for a retry
//
// Gate decisions, issue resolutions, retries and cancellation arrive as
// signals and are applied by activities while the workflow waits. A stage
// that stays Failed ends the workflow with Success false and no error.
func PipelineWorkflow(ctx workflow.Context, in PipelineInput) (*PipelineResult, error) {
	logger := workflow.GetLogger(ctx)
	if err := in.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
	}
	in.applyDefaults()
	logger.Info("Starting pipeline workflow", "task", in.TaskID)

	r := newPipelineRun(ctx, in, logger)
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (*PipelineResult, error) {
		return r.result, nil
	}); err != nil {
		return nil, err
	}

	for _, stage := range pipeline.AllStages() {
		out, err := r.status(stage)
		for err == nil && out.Status != pipeline.StatusCompleted {
			switch out.Status {
			case pipeline.StatusPending:
				out, err = r.start(stage)
			case pipeline.StatusInProgress:
				out, err = r.execute(stage)
			case pipeline.StatusWaitingApproval:
				out, err = r.awaitApproval(stage)
			case pipeline.StatusFailed:
				var retried bool
				out, retried, err = r.awaitRetry(stage, out)
				if err == nil && !retried {
					r.result.FailedStage = stage
					r.result.Reason = out.Reason
					logger.Info("Pipeline stopped on failed stage", "stage", stage, "reason", out.Reason)
					return r.result, nil
				}
			default:
				err = fmt.Errorf("unknown stage status %q", out.Status)
			}
		}
		if err != nil {
			r.result.Errors = append(r.result.Errors, FormatErrorForResult(string(stage), err))
			return r.result, NewWorkflowError("stage "+string(stage), ErrorSeverityCritical, err, in.TaskID)
		}
		r.result.Completed = append(r.result.Completed, stage)
		logger.Info("Stage completed", "stage", stage)
	}

	r.result.Success = true
	logger.Info("Pipeline workflow complete", "task", in.TaskID)
	return r.result, nil
}

type pipelineRun struct {
	ctx      workflow.Context
	stageCtx workflow.Context
	in       PipelineInput
	logger   log.Logger
	result   *PipelineResult
	acts     *Activities

	gates   workflow.ReceiveChannel
	issues  workflow.ReceiveChannel
	retries workflow.ReceiveChannel
	cancels workflow.ReceiveChannel

	retryRequested bool
	cancelled      bool
}

func newPipelineRun(ctx workflow.Context, in PipelineInput, logger log.Logger) *pipelineRun {
	short := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	// A stage run is not idempotent; its failure is recorded on the ledger
	// and retried through the retry-stage signal instead.
	long := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.StageTimeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return &pipelineRun{
		ctx:      short,
		stageCtx: long,
		in:       in,
		logger:   logger,
		result:   &PipelineResult{TaskID: in.TaskID},
		gates:    workflow.GetSignalChannel(ctx, SignalGateDecision),
		issues:   workflow.GetSignalChannel(ctx, SignalResolveIssue),
		retries:  workflow.GetSignalChannel(ctx, SignalRetryStage),
		cancels:  workflow.GetSignalChannel(ctx, SignalCancel),
	}
}

func (r *pipelineRun) ref(stage pipeline.Stage) StageRef {
	return StageRef{TaskID: r.in.TaskID, Stage: stage}
}

func (r *pipelineRun) status(stage pipeline.Stage) (*StageOutcome, error) {
	var out StageOutcome
	err := workflow.ExecuteActivity(r.ctx, r.acts.StageStatus, r.ref(stage)).Get(r.ctx, &out)
	return &out, err
}

func (r *pipelineRun) start(stage pipeline.Stage) (*StageOutcome, error) {
	var out StageOutcome
	err := workflow.ExecuteActivity(r.ctx, r.acts.StartStage, r.ref(stage)).Get(r.ctx, &out)
	return &out, err
}

// execute runs the stage while continuing to serve signals, so a gate
// raised by the runner can be resolved through the workflow.
func (r *pipelineRun) execute(stage pipeline.Stage) (*StageOutcome, error) {
	fut := workflow.ExecuteActivity(r.stageCtx, r.acts.ExecuteStage, r.ref(stage))
	var (
		out  StageOutcome
		err  error
		done bool
	)
	for !done {
		sel := workflow.NewSelector(r.ctx)
		sel.AddFuture(fut, func(f workflow.Future) {
			err = f.Get(r.ctx, &out)
			done = true
		})
		r.addSignals(sel)
		sel.Select(r.ctx)
	}
	r.retryRequested = false
	return &out, err
}

// awaitApproval waits while a stage is held for a gate or unresolved issues.
func (r *pipelineRun) awaitApproval(stage pipeline.Stage) (*StageOutcome, error) {
	for {
		r.waitOnce(r.in.PollInterval)
		out, err := r.status(stage)
		if err != nil || out.Status != pipeline.StatusWaitingApproval {
			return out, err
		}
	}
}

// awaitRetry waits for a retry of a failed stage. It returns retried false
// when the task was cancelled through the workflow or the retry window
// elapsed.
func (r *pipelineRun) awaitRetry(stage pipeline.Stage, failed *StageOutcome) (*StageOutcome, bool, error) {
	if r.cancelled {
		return failed, false, nil
	}
	r.logger.Info("Stage failed, waiting for retry", "stage", stage, "reason", failed.Reason)
	deadline := workflow.Now(r.ctx).Add(r.in.RetryWindow)
	for {
		left := deadline.Sub(workflow.Now(r.ctx))
		if left <= 0 {
			return failed, false, nil
		}
		if left > r.in.PollInterval {
			left = r.in.PollInterval
		}
		r.waitOnce(left)

		if r.cancelled {
			return failed, false, nil
		}
		if r.retryRequested {
			r.retryRequested = false
			out, err := r.start(stage)
			if isApplicationErrorType(err, ErrTypeConflict) || isApplicationErrorType(err, ErrTypeInvalidTransition) {
				r.logger.Warn("Retry refused", "stage", stage, "error", err)
				continue
			}
			return out, true, err
		}
		out, err := r.status(stage)
		if err != nil {
			return out, false, err
		}
		if out.Status != pipeline.StatusFailed {
			// Retried outside the workflow.
			return out, true, nil
		}
		failed = out
	}
}

// waitOnce blocks until a signal is handled or d elapses.
func (r *pipelineRun) waitOnce(d time.Duration) {
	timerCtx, cancel := workflow.WithCancel(r.ctx)
	defer cancel()
	sel := workflow.NewSelector(r.ctx)
	sel.AddFuture(workflow.NewTimer(timerCtx, d), func(workflow.Future) {})
	r.addSignals(sel)
	sel.Select(r.ctx)
}

func (r *pipelineRun) addSignals(sel workflow.Selector) {
	sel.AddReceive(r.gates, func(c workflow.ReceiveChannel, _ bool) {
		var d GateDecision
		c.Receive(r.ctx, &d)
		r.apply("resolve gate", workflow.ExecuteActivity(r.ctx, r.acts.ResolveGate, d))
	})
	sel.AddReceive(r.issues, func(c workflow.ReceiveChannel, _ bool) {
		var res IssueResolution
		c.Receive(r.ctx, &res)
		if res.TaskID == "" {
			res.TaskID = r.in.TaskID
		}
		r.apply("resolve issue", workflow.ExecuteActivity(r.ctx, r.acts.ResolveIssue, res))
	})
	sel.AddReceive(r.retries, func(c workflow.ReceiveChannel, _ bool) {
		var req RetryRequest
		c.Receive(r.ctx, &req)
		r.retryRequested = true
	})
	sel.AddReceive(r.cancels, func(c workflow.ReceiveChannel, _ bool) {
		var req CancelRequest
		c.Receive(r.ctx, &req)
		r.logger.Info("Cancel requested", "reason", req.Reason)
		r.cancelled = true
		r.apply("cancel", workflow.ExecuteActivity(r.ctx, r.acts.CancelTask, r.in.TaskID))
	})
}

// apply waits for a signal's activity. Rejected operator actions are
// recorded on the result and the workflow keeps going.
func (r *pipelineRun) apply(op string, fut workflow.Future) {
	if err := fut.Get(r.ctx, nil); err != nil {
		r.logger.Warn("Signal not applied", "operation", op, "error", err)
		r.result.Errors = append(r.result.Errors, FormatErrorForResult(op, err))
	}
}
