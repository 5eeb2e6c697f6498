package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// dispatch runs the stage's runner on a goroutine when auto-run is on.
func (c *Coordinator) dispatch(task *pipeline.Task, stage pipeline.Stage) {
	if !c.autoRun || c.runners[stage] == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.ExecuteStage(c.base, task.ID, stage); err != nil {
			c.logger.Debug(c.logCtx(c.base, task, stage), "stage runner returned", zap.Error(err))
		}
	}()
}

// ExecuteStage runs the registered runner for an InProgress stage and
// applies its result: Completed (advancing the pipeline), held in
// WaitingApproval, or Failed with the runner's reason.
func (c *Coordinator) ExecuteStage(ctx context.Context, taskID string, stage pipeline.Stage) error {
	runner := c.runners[stage]
	if runner == nil {
		return pipeline.NewError("execute_stage", pipeline.ErrNotFound, taskID, stage, "no runner registered", nil)
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	runCtx, release, err := c.claim(ctx, taskID, stage)
	if err != nil {
		return err
	}
	start := time.Now()

	runCtx, span := c.tracer.Start(runCtx, "coordinator.stage")
	span.SetAttributes(attribute.String("task.id", taskID), attribute.String("stage", string(stage)))

	var res StageResult
	in, err := c.input(runCtx, task, stage)
	if err == nil {
		res, err = runner.Run(c.logCtx(runCtx, task, stage), in)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, pipeline.ReasonOf(err))
	}
	span.End()
	release()

	return c.finish(context.WithoutCancel(ctx), task, stage, res, err, start)
}

// input snapshots the ledger for a runner. The stage must be InProgress.
func (c *Coordinator) input(ctx context.Context, task *pipeline.Task, stage pipeline.Stage) (*StageInput, error) {
	entries, err := c.store.ListStages(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	in := &StageInput{Task: task, Stage: stage, Entries: make(map[pipeline.Stage]*pipeline.StageEntry, len(entries)), Marker: c}
	for _, e := range entries {
		in.Entries[e.Stage] = e
	}
	if e := in.Entries[stage]; e == nil || e.Status != pipeline.StatusInProgress {
		status := pipeline.StageStatus("missing")
		if e != nil {
			status = e.Status
		}
		return nil, pipeline.NewError("execute_stage", pipeline.ErrInvalidTransition, task.ID, stage,
			fmt.Sprintf("stage is %s", status), nil)
	}
	return in, nil
}

func (c *Coordinator) finish(ctx context.Context, task *pipeline.Task, stage pipeline.Stage, res StageResult, runErr error, start time.Time) error {
	elapsed := time.Since(start).Seconds()
	switch {
	case runErr != nil:
		c.metrics.StageDuration.WithLabelValues(string(stage), "failed").Observe(elapsed)
		reason := pipeline.ReasonOf(runErr)
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, pipeline.ErrCancelled) {
			reason = pipeline.ReasonCancelled
		}
		l := c.taskLock(task.ID)
		l.Lock()
		err := c.failLocked(ctx, task, stage, reason, res.Metadata)
		l.Unlock()
		if err != nil && !isInvalidTransition(err) {
			c.logger.Error(c.logCtx(ctx, task, stage), "record stage failure", zap.Error(err))
		}
		return runErr
	case res.Hold:
		c.metrics.StageDuration.WithLabelValues(string(stage), "held").Observe(elapsed)
		return c.hold(ctx, task, stage, res.Metadata, res.Message)
	default:
		c.metrics.StageDuration.WithLabelValues(string(stage), "completed").Observe(elapsed)
		return c.CompleteStage(ctx, task.ID, stage, res.Metadata)
	}
}

// claim registers the single in-flight runner of a task.
func (c *Coordinator) claim(ctx context.Context, taskID string, stage pipeline.Stage) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, fmt.Errorf("coordinator closed")
	}
	if r, ok := c.runs[taskID]; ok {
		return nil, nil, pipeline.NewError("execute_stage", pipeline.ErrConflict, taskID, stage,
			fmt.Sprintf("runner for %s in flight", r.stage), nil)
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{stage: stage, cancel: cancel}
	c.runs[taskID] = run
	c.metrics.RunningStages.Inc()

	release := func() {
		c.mu.Lock()
		if c.runs[taskID] == run {
			delete(c.runs, taskID)
		}
		c.mu.Unlock()
		cancel()
		c.metrics.RunningStages.Dec()
	}
	return runCtx, release, nil
}

func (c *Coordinator) running(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[taskID]
	return ok
}

func (c *Coordinator) cancelRun(taskID string, stage pipeline.Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[taskID]; ok && r.stage == stage {
		r.cancel()
	}
}
