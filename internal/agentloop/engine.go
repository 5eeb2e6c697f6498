// Package agentloop runs the bounded plan, execute, validate and refine
// cycle that implements a task.
//
// One Engine is shared by all tasks; each Run call is an independent
// invocation with its own run ID and iteration counter. Within a run, every
// phase transition appends exactly one Loop Iteration record and publishes
// one progress event, in that order, from a single goroutine.
package agentloop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/approval"
	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
	"github.com/fyrsmithlabs/shipline/internal/reasoning"
	"github.com/fyrsmithlabs/shipline/internal/tools"
)

const instrumentationName = "github.com/fyrsmithlabs/shipline/internal/agentloop"

// DefaultMaxIterations bounds a run when Config.MaxIterations is zero.
const DefaultMaxIterations = 10

// Reasoner is the subset of the reasoning adapter the loop calls.
type Reasoner interface {
	Plan(ctx context.Context, req reasoning.PlanRequest) (reasoning.Judgment[[]pipeline.Step], error)
	Validate(ctx context.Context, req reasoning.ValidateRequest) (reasoning.Judgment[reasoning.Verdict], error)
	Refine(ctx context.Context, req reasoning.RefineRequest) (reasoning.Judgment[[]pipeline.Step], error)
}

// Gatekeeper raises approval gates.
type Gatekeeper interface {
	Request(ctx context.Context, task *pipeline.Task, stage pipeline.Stage, gateType pipeline.GateType, gateCtx pipeline.Blob) (*approval.Handle, error)
}

// StageMarker mirrors a blocked run onto the AgenticLoop stage entry.
type StageMarker interface {
	MarkWaiting(ctx context.Context, taskID string, stage pipeline.Stage) error
	MarkResumed(ctx context.Context, taskID string, stage pipeline.Stage) error
}

// Config holds loop tuning.
type Config struct {
	MaxIterations int
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Reasoner   Reasoner
	Tools      tools.Invoker
	Gates      Gatekeeper
	Iterations ledger.IterationStore
	Events     events.Broadcaster
	Policy     tools.PolicySource
	// Marker is optional.
	Marker StageMarker
	Logger *zap.Logger
}

// Engine runs agentic loop invocations.
type Engine struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Reasoner == nil:
		return nil, fmt.Errorf("reasoner is required")
	case deps.Tools == nil:
		return nil, fmt.Errorf("tool invoker is required")
	case deps.Gates == nil:
		return nil, fmt.Errorf("gatekeeper is required")
	case deps.Iterations == nil:
		return nil, fmt.Errorf("iteration store is required")
	case deps.Events == nil:
		return nil, fmt.Errorf("broadcaster is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if deps.Policy == nil {
		deps.Policy = tools.StaticPolicy{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		metrics: NewMetrics(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// MaxIterations returns the configured bound.
func (e *Engine) MaxIterations() int { return e.cfg.MaxIterations }

// Request starts one invocation.
type Request struct {
	Task         *pipeline.Task
	Requirements string
	// InitialPlan is the draft plan from task creation, if any.
	InitialPlan []pipeline.Step
}

// Outcome summarizes a finished invocation.
type Outcome struct {
	RunID      string                 `json:"run_id"`
	State      State                  `json:"state"`
	Iterations int                    `json:"iterations"`
	Plan       *pipeline.Plan         `json:"plan,omitempty"`
	Log        []pipeline.StepOutcome `json:"log,omitempty"`
	Resources  []string               `json:"resources,omitempty"`
	Verdict    reasoning.Verdict      `json:"verdict"`
	Reason     string                 `json:"reason,omitempty"`
}

// run is the mutable state of one invocation. It is owned by the Run
// goroutine and never shared.
type run struct {
	id        string
	req       Request
	policy    *tools.Policy
	machine   *machine
	iteration int
	plan      *pipeline.Plan
	log       []pipeline.StepOutcome
	done      map[string]bool // step IDs that succeeded in this run
	approved  map[string]bool // signoffKey of steps signed off in this run
	resources []string
	seen      map[string]bool
	lastSeq   uint64
	hasRecord bool
	verdict   reasoning.Verdict
}

// Run drives one invocation to Succeeded or Failed. On failure the error
// is a *pipeline.Error whose Kind is one of ErrApprovalRejected,
// ErrUnrecoverableValidation, ErrIterationExhausted, ErrCriticalStepFailed,
// ErrAdapterFailure, ErrApprovalTimeout or ErrCancelled, and whose Reason
// is the string recorded on the stage.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.Task == nil || req.Task.ID == "" {
		return nil, fmt.Errorf("task is required")
	}
	if req.Requirements == "" {
		req.Requirements = req.Task.Requirements
	}

	r := &run{
		id:       uuid.NewString(),
		req:      req,
		policy:   e.deps.Policy.Current(),
		machine:  newMachine(),
		done:     make(map[string]bool),
		approved: make(map[string]bool),
		seen:     make(map[string]bool),
	}

	ctx, span := e.tracer.Start(ctx, "agentloop.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", req.Task.ID),
		attribute.String("run.id", r.id),
		attribute.Int("max_iterations", e.cfg.MaxIterations),
	)

	e.metrics.Active.Inc()
	defer e.metrics.Active.Dec()

	e.logger.Info("agentic loop started",
		zap.String("task_id", req.Task.ID),
		zap.String("run_id", r.id),
		zap.Int("max_iterations", e.cfg.MaxIterations))

	err := e.drive(ctx, r)

	out := &Outcome{
		RunID:      r.id,
		State:      r.machine.state,
		Iterations: r.iteration,
		Plan:       r.plan,
		Log:        r.log,
		Resources:  r.resources,
		Verdict:    r.verdict,
	}
	reason := ""
	if err != nil {
		reason = pipeline.ReasonOf(err)
		out.Reason = reason
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		e.logger.Warn("agentic loop failed",
			zap.String("task_id", req.Task.ID),
			zap.String("run_id", r.id),
			zap.Int("iteration", r.iteration),
			zap.String("reason", reason))
	} else {
		e.logger.Info("agentic loop succeeded",
			zap.String("task_id", req.Task.ID),
			zap.String("run_id", r.id),
			zap.Int("iterations", r.iteration))
	}
	e.metrics.Runs.WithLabelValues(string(out.State), metricReason(err)).Inc()
	e.metrics.Iterations.Observe(float64(r.iteration))
	return out, err
}

func (e *Engine) drive(ctx context.Context, r *run) error {
	r.iteration = 1
	if err := e.planPhase(ctx, r); err != nil {
		return err
	}
	if err := e.gate(ctx, r); err != nil {
		return err
	}

	for {
		if err := e.cancelled(ctx, r); err != nil {
			return err
		}
		if err := e.transition(r, StateExecuting); err != nil {
			return err
		}
		if err := e.executePhase(ctx, r); err != nil {
			return err
		}

		if err := e.cancelled(ctx, r); err != nil {
			return err
		}
		if err := e.transition(r, StateValidating); err != nil {
			return err
		}
		verdict, err := e.validatePhase(ctx, r)
		if err != nil {
			return err
		}

		switch {
		case verdict.Passed:
			return e.transition(r, StateSucceeded)
		case !verdict.NeedsIteration:
			return e.fail(ctx, r, pipeline.ErrUnrecoverableValidation, pipeline.ReasonValidationUnrecoverable, nil)
		case r.iteration >= e.cfg.MaxIterations:
			return e.fail(ctx, r, pipeline.ErrIterationExhausted, pipeline.ReasonMaxIterations, nil)
		}

		if err := e.cancelled(ctx, r); err != nil {
			return err
		}
		if err := e.transition(r, StateRefining); err != nil {
			return err
		}
		if err := e.refinePhase(ctx, r, verdict); err != nil {
			return err
		}
		if err := e.gate(ctx, r); err != nil {
			return err
		}
	}
}

func (e *Engine) planPhase(ctx context.Context, r *run) error {
	start := time.Now()
	defer e.observePhase(pipeline.PhasePlanning, start)

	ctx, span := e.tracer.Start(ctx, "agentloop.plan")
	defer span.End()

	j, err := e.deps.Reasoner.Plan(ctx, reasoning.PlanRequest{
		Task:         r.req.Task,
		Requirements: r.req.Requirements,
		Seed:         r.req.InitialPlan,
	})
	if err != nil {
		if cerr := e.cancelled(ctx, r); cerr != nil {
			return cerr
		}
		e.appendRecord(ctx, r, pipeline.PhasePlanning, SchemaPlanning, PlanningPayload{Source: "error", Error: err.Error()}, "planning failed")
		return e.fail(ctx, r, pipeline.ErrAdapterFailure, "planning failed: "+err.Error(), err)
	}

	plan := pipeline.NewPlan(1, j.Value)
	if verr := plan.Validate(); verr != nil {
		e.appendRecord(ctx, r, pipeline.PhasePlanning, SchemaPlanning, PlanningPayload{Plan: plan, Source: j.Source(), Error: verr.Error()}, "invalid plan")
		return e.fail(ctx, r, pipeline.ErrAdapterFailure, "invalid plan: "+verr.Error(), verr)
	}
	r.plan = plan
	span.SetAttributes(attribute.Int("steps", plan.Len()), attribute.String("judgment", j.Source()))

	return e.appendRecord(ctx, r, pipeline.PhasePlanning, SchemaPlanning,
		PlanningPayload{Plan: plan, Source: j.Source()},
		fmt.Sprintf("planned %d steps", plan.Len()))
}

// gate blocks on an architecture sign-off when the current plan contains
// sign-off steps not yet approved in this run. Time spent here does not
// consume iterations.
func (e *Engine) gate(ctx context.Context, r *run) error {
	var pending []pipeline.Step
	for _, s := range r.plan.Steps {
		if r.policy.RequiresSignoff(s.Action) && !r.approved[signoffKey(s)] {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := e.transition(r, StateBlocked); err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "agentloop.blocked")
	defer span.End()

	gateCtx, err := pipeline.EncodeBlob(SchemaGate, PayloadVersion, GatePayload{RunID: r.id, PlanVersion: r.plan.Version, Steps: pending})
	if err != nil {
		return e.fail(ctx, r, pipeline.ErrAdapterFailure, "encode gate context", err)
	}
	handle, err := e.deps.Gates.Request(ctx, r.req.Task, pipeline.StageAgenticLoop, pipeline.GateArchitectureSignoff, gateCtx)
	if err != nil {
		kind := pipeline.KindOf(err)
		if kind == nil {
			kind = pipeline.ErrConflict
		}
		return e.fail(ctx, r, kind, "request approval: "+err.Error(), err)
	}
	span.SetAttributes(attribute.String("gate.id", handle.Gate().ID))

	if e.deps.Marker != nil {
		if err := e.deps.Marker.MarkWaiting(ctx, r.req.Task.ID, pipeline.StageAgenticLoop); err != nil {
			e.logger.Warn("mark stage waiting", zap.String("task_id", r.req.Task.ID), zap.Error(err))
		}
	}

	decision, err := handle.Wait(ctx)
	if err != nil {
		if cerr := e.cancelled(ctx, r); cerr != nil {
			return cerr
		}
		if errors.Is(err, pipeline.ErrApprovalTimeout) {
			return e.fail(ctx, r, pipeline.ErrApprovalTimeout, pipeline.ReasonApprovalTimeout, err)
		}
		return e.fail(ctx, r, pipeline.ErrAdapterFailure, "await approval: "+err.Error(), err)
	}
	if !decision.Approved {
		span.SetAttributes(attribute.Bool("approved", false))
		return e.fail(ctx, r, pipeline.ErrApprovalRejected, pipeline.ReasonPlanRejected, nil)
	}

	for _, s := range pending {
		r.approved[signoffKey(s)] = true
	}
	if e.deps.Marker != nil {
		if err := e.deps.Marker.MarkResumed(ctx, r.req.Task.ID, pipeline.StageAgenticLoop); err != nil {
			e.logger.Warn("mark stage resumed", zap.String("task_id", r.req.Task.ID), zap.Error(err))
		}
	}
	e.logger.Info("architecture sign-off approved",
		zap.String("task_id", r.req.Task.ID),
		zap.String("gate_id", handle.Gate().ID))
	return nil
}

func (e *Engine) executePhase(ctx context.Context, r *run) error {
	start := time.Now()
	defer e.observePhase(pipeline.PhaseExecution, start)

	ctx, span := e.tracer.Start(ctx, "agentloop.execute")
	defer span.End()
	span.SetAttributes(attribute.Int("iteration", r.iteration), attribute.Int("plan.version", r.plan.Version))

	order, err := r.plan.ExecutionOrder()
	if err != nil {
		e.appendRecord(ctx, r, pipeline.PhaseExecution, SchemaExecution, ExecutionPayload{PlanVersion: r.plan.Version}, "invalid plan")
		return e.fail(ctx, r, pipeline.ErrAdapterFailure, "invalid plan: "+err.Error(), err)
	}

	var outcomes []pipeline.StepOutcome
	failed := make(map[string]bool)
	var abort error

	for _, step := range order {
		// Cancellation is observed between steps only.
		if ctx.Err() != nil {
			break
		}
		outcome := e.executeStep(ctx, r, step, failed)
		outcomes = append(outcomes, outcome)
		if outcome.Success {
			r.done[step.ID] = true
			r.addResources(outcome.Resources)
		} else {
			failed[step.ID] = true
		}
		if !outcome.Success && outcome.Critical {
			abort = pipeline.NewError("agentic_loop", pipeline.ErrCriticalStepFailed, r.req.Task.ID, pipeline.StageAgenticLoop,
				"critical step failed: "+step.ID, errors.New(outcome.Error))
			break
		}
	}
	r.log = append(r.log, outcomes...)

	recErr := e.appendRecord(ctx, r, pipeline.PhaseExecution, SchemaExecution,
		ExecutionPayload{PlanVersion: r.plan.Version, Outcomes: outcomes},
		fmt.Sprintf("executed %d of %d steps", len(outcomes), len(order)))

	if abort != nil {
		span.SetStatus(codes.Error, abort.Error())
		return e.fail(ctx, r, pipeline.ErrCriticalStepFailed, pipeline.ReasonOf(abort), abort)
	}
	if cerr := e.cancelled(ctx, r); cerr != nil {
		return cerr
	}
	return recErr
}

// executeStep attempts one step. A step whose dependency failed in this
// iteration is recorded as skipped without touching any capability.
func (e *Engine) executeStep(ctx context.Context, r *run, step pipeline.Step, failed map[string]bool) pipeline.StepOutcome {
	outcome := pipeline.StepOutcome{
		StepID:    step.ID,
		Action:    step.Action,
		Iteration: r.iteration,
		Critical:  r.policy.IsCritical(step.Action),
	}
	for _, dep := range step.DependsOn {
		if failed[dep] {
			outcome.Critical = false
			outcome.Error = "skipped: dependency " + dep + " failed"
			e.metrics.Steps.WithLabelValues(string(step.Action), "skipped").Inc()
			return outcome
		}
	}

	caps := r.policy.CapabilitiesFor(step)
	if len(caps) == 0 {
		outcome.Error = fmt.Sprintf("no capability for action %s: %v", step.Action, tools.ErrNotConnected)
		e.metrics.Steps.WithLabelValues(string(step.Action), "failed").Inc()
		return outcome
	}

	// A started step runs to completion even if the task is cancelled.
	stepCtx := context.WithoutCancel(ctx)
	var messages []string
	for _, c := range caps {
		res, err := e.deps.Tools.Invoke(stepCtx, c, string(step.Action), step.Args)
		if err != nil {
			outcome.Error = err.Error()
			e.metrics.Steps.WithLabelValues(string(step.Action), "failed").Inc()
			e.logger.Info("step failed",
				zap.String("task_id", r.req.Task.ID),
				zap.String("step", step.ID),
				zap.String("capability", c),
				zap.Bool("critical", outcome.Critical),
				zap.Error(err))
			return outcome
		}
		if res.Message != "" {
			messages = append(messages, res.Message)
		}
		outcome.Resources = append(outcome.Resources, res.Resources...)
	}
	outcome.Success = true
	outcome.Message = strings.Join(messages, "; ")
	e.metrics.Steps.WithLabelValues(string(step.Action), "succeeded").Inc()
	return outcome
}

func (e *Engine) validatePhase(ctx context.Context, r *run) (reasoning.Verdict, error) {
	start := time.Now()
	defer e.observePhase(pipeline.PhaseValidation, start)

	ctx, span := e.tracer.Start(ctx, "agentloop.validate")
	defer span.End()
	span.SetAttributes(attribute.Int("iteration", r.iteration))

	j, err := e.deps.Reasoner.Validate(ctx, reasoning.ValidateRequest{
		Task:         r.req.Task,
		Requirements: r.req.Requirements,
		Iteration:    r.iteration,
		Log:          r.log,
	})
	if err != nil {
		if cerr := e.cancelled(ctx, r); cerr != nil {
			return reasoning.Verdict{}, cerr
		}
		e.appendRecord(ctx, r, pipeline.PhaseValidation, SchemaValidation, ValidationPayload{Source: "error", Error: err.Error()}, "validation failed")
		return reasoning.Verdict{}, e.fail(ctx, r, pipeline.ErrAdapterFailure, "validation failed: "+err.Error(), err)
	}
	r.verdict = j.Value
	span.SetAttributes(
		attribute.Bool("passed", j.Value.Passed),
		attribute.Bool("needs_iteration", j.Value.NeedsIteration),
		attribute.String("judgment", j.Source()),
	)

	msg := "validation passed"
	if !j.Value.Passed {
		msg = "validation failed"
	}
	if err := e.appendRecord(ctx, r, pipeline.PhaseValidation, SchemaValidation, ValidationPayload{Verdict: j.Value, Source: j.Source()}, msg); err != nil {
		return reasoning.Verdict{}, err
	}
	return j.Value, nil
}

func (e *Engine) refinePhase(ctx context.Context, r *run, verdict reasoning.Verdict) error {
	start := time.Now()
	defer e.observePhase(pipeline.PhaseIteration, start)

	ctx, span := e.tracer.Start(ctx, "agentloop.refine")
	defer span.End()

	var remaining []pipeline.Step
	for _, s := range r.plan.Steps {
		if !r.done[s.ID] {
			remaining = append(remaining, s)
		}
	}

	j, err := e.deps.Reasoner.Refine(ctx, reasoning.RefineRequest{
		Task:      r.req.Task,
		Remaining: remaining,
		Verdict:   verdict,
		Log:       r.log,
	})
	if err != nil {
		if cerr := e.cancelled(ctx, r); cerr != nil {
			return cerr
		}
		return e.fail(ctx, r, pipeline.ErrAdapterFailure, "refinement failed: "+err.Error(), err)
	}

	source := j.Source()
	next := r.plan.Revise(r.pruneDone(j.Value))
	if verr := next.Validate(); verr != nil {
		e.logger.Warn("refined plan is invalid, keeping remaining steps",
			zap.String("task_id", r.req.Task.ID),
			zap.Error(verr))
		source = "fallback"
		next = r.plan.Revise(r.pruneDone(remaining))
	}
	r.plan = next
	r.iteration++
	span.SetAttributes(attribute.Int("iteration", r.iteration), attribute.Int("steps", next.Len()))

	return e.appendRecord(ctx, r, pipeline.PhaseIteration, SchemaIteration,
		IterationPayload{Plan: next, Remaining: remaining, Source: source},
		fmt.Sprintf("iteration %d: %d steps", r.iteration, next.Len()))
}

// pruneDone drops dependencies on steps that already succeeded in an
// earlier iteration and are not part of the new plan. A dependency on an
// ID the new plan defines again waits for that new step.
func (r *run) pruneDone(steps []pipeline.Step) []pipeline.Step {
	out := pipeline.NewPlan(0, steps).StepsCopy()
	planned := make(map[string]bool, len(out))
	for _, s := range out {
		planned[s.ID] = true
	}
	for i := range out {
		deps := out[i].DependsOn[:0]
		for _, d := range out[i].DependsOn {
			if planned[d] || !r.done[d] {
				deps = append(deps, d)
			}
		}
		out[i].DependsOn = deps
	}
	return out
}

// signoffKey identifies what was approved: the step ID together with its
// action, description and arguments. A refined step that reuses an ID with
// different content needs a new sign-off.
func signoffKey(s pipeline.Step) string {
	content, err := json.Marshal(struct {
		ID          string              `json:"id"`
		Action      pipeline.ActionKind `json:"action"`
		Description string              `json:"description"`
		Args        map[string]any      `json:"args,omitempty"`
	}{s.ID, s.Action, s.Description, s.Args})
	if err != nil {
		// Unencodable args never match an earlier approval.
		return "unencodable:" + uuid.NewString()
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (r *run) addResources(rs []string) {
	for _, res := range rs {
		if !r.seen[res] {
			r.seen[res] = true
			r.resources = append(r.resources, res)
		}
	}
}

// appendRecord writes one Loop Iteration record, then publishes the
// matching progress event.
func (e *Engine) appendRecord(ctx context.Context, r *run, phase pipeline.Phase, schema string, payload any, msg string) error {
	blob, err := pipeline.EncodeBlob(schema, PayloadVersion, payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", phase, err)
	}
	rec := &pipeline.LoopIteration{
		ID:        uuid.NewString(),
		TaskID:    r.req.Task.ID,
		RunID:     r.id,
		Number:    r.iteration,
		Phase:     phase,
		Status:    pipeline.IterationRecorded,
		Payload:   blob,
		CreatedAt: e.now(),
	}
	// Records outlive cancellation of the run.
	wctx := context.WithoutCancel(ctx)
	if err := e.deps.Iterations.AppendIteration(wctx, rec); err != nil {
		return fmt.Errorf("append %s record: %w", phase, err)
	}
	r.lastSeq = rec.Seq
	r.hasRecord = true

	ev := events.Progress(r.req.Task, pipeline.StageAgenticLoop, phase, r.iteration, e.percent(r.iteration), msg)
	if err := e.deps.Events.Publish(wctx, ev); err != nil {
		e.logger.Warn("publish progress", zap.String("task_id", r.req.Task.ID), zap.Error(err))
	}
	return nil
}

func (e *Engine) percent(iteration int) int {
	p := iteration * 100 / e.cfg.MaxIterations
	if p > 100 {
		return 100
	}
	return p
}

// fail moves the run to Failed and marks the last record Failed.
func (e *Engine) fail(ctx context.Context, r *run, kind error, reason string, cause error) error {
	if r.machine.state != StateFailed {
		r.machine.state = StateFailed
		r.machine.history = append(r.machine.history, StateFailed)
	}
	if r.hasRecord {
		if err := e.deps.Iterations.MarkIterationFailed(context.WithoutCancel(ctx), r.req.Task.ID, r.lastSeq); err != nil {
			e.logger.Warn("mark iteration failed", zap.String("task_id", r.req.Task.ID), zap.Error(err))
		}
	}
	return pipeline.NewError("agentic_loop", kind, r.req.Task.ID, pipeline.StageAgenticLoop, reason, cause)
}

// cancelled aborts the run if the task was cancelled.
func (e *Engine) cancelled(ctx context.Context, r *run) error {
	if ctx.Err() == nil {
		return nil
	}
	return e.fail(ctx, r, pipeline.ErrCancelled, pipeline.ReasonCancelled, ctx.Err())
}

func (e *Engine) transition(r *run, to State) error {
	if err := r.machine.to(to); err != nil {
		return pipeline.NewError("agentic_loop", pipeline.ErrInvalidTransition, r.req.Task.ID, pipeline.StageAgenticLoop, err.Error(), nil)
	}
	return nil
}

func (e *Engine) observePhase(phase pipeline.Phase, start time.Time) {
	e.metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
}

func metricReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, pipeline.ErrApprovalRejected):
		return "plan_rejected"
	case errors.Is(err, pipeline.ErrIterationExhausted):
		return "max_iterations"
	case errors.Is(err, pipeline.ErrUnrecoverableValidation):
		return "unrecoverable_validation"
	case errors.Is(err, pipeline.ErrCriticalStepFailed):
		return "critical_step"
	case errors.Is(err, pipeline.ErrCancelled):
		return "cancelled"
	case errors.Is(err, pipeline.ErrApprovalTimeout):
		return "approval_timeout"
	default:
		return "adapter_failure"
	}
}
