package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/shipline/internal/agentloop"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
	"github.com/fyrsmithlabs/shipline/internal/reasoning"
	"github.com/fyrsmithlabs/shipline/internal/tools"
)

// StageInput is what a runner sees: the task and a snapshot of its ledger.
type StageInput struct {
	Task    *pipeline.Task
	Stage   pipeline.Stage
	Entries map[pipeline.Stage]*pipeline.StageEntry
	Marker  agentloop.StageMarker
}

// Decode reads the metadata recorded on another stage.
func (in *StageInput) Decode(stage pipeline.Stage, schema string, v any) bool {
	return decodeEntry(in.Entries[stage], schema, v)
}

// StageResult is a runner's outcome. Hold parks the stage in
// WaitingApproval instead of completing it.
type StageResult struct {
	Metadata pipeline.Blob
	Hold     bool
	Message  string
}

// Runner performs the work of one stage.
type Runner interface {
	Run(ctx context.Context, in *StageInput) (StageResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, in *StageInput) (StageResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, in *StageInput) (StageResult, error) {
	return f(ctx, in)
}

// Reasoner is the subset of the reasoning adapter used by stage runners.
type Reasoner interface {
	Triage(ctx context.Context, task *pipeline.Task) (reasoning.Judgment[reasoning.TriageResult], error)
	DefineTask(ctx context.Context, task *pipeline.Task, triage reasoning.TriageResult) (reasoning.Judgment[reasoning.TaskDefinition], error)
	Review(ctx context.Context, req reasoning.ReviewRequest) (reasoning.Judgment[reasoning.ReviewResult], error)
	DescribePullRequest(ctx context.Context, task *pipeline.Task, review reasoning.ReviewResult, resources []string) (reasoning.Judgment[reasoning.PullRequest], error)
}

// LoopRunner runs the agentic loop.
type LoopRunner interface {
	Run(ctx context.Context, req agentloop.Request) (*agentloop.Outcome, error)
}

// Toolbox invokes capabilities and lists the registered ones.
type Toolbox interface {
	tools.Invoker
	Capabilities() []string
}

// RunnerDeps are the collaborators of the default stage runners.
type RunnerDeps struct {
	Reasoner Reasoner
	Gates    agentloop.Gatekeeper
	Loop     LoopRunner
	// Tools is optional; without git and github capabilities PrCreation
	// records a draft description only.
	Tools Toolbox
	// BranchPrefix names the pushed branch, followed by the task ID.
	BranchPrefix string
}

// DefaultRunners returns a runner for every stage.
func DefaultRunners(d RunnerDeps) (map[pipeline.Stage]Runner, error) {
	switch {
	case d.Reasoner == nil:
		return nil, fmt.Errorf("reasoner is required")
	case d.Gates == nil:
		return nil, fmt.Errorf("gatekeeper is required")
	case d.Loop == nil:
		return nil, fmt.Errorf("loop runner is required")
	}
	if d.BranchPrefix == "" {
		d.BranchPrefix = "shipline/"
	}
	return map[pipeline.Stage]Runner{
		pipeline.StageTriage:       RunnerFunc(d.triage),
		pipeline.StageTaskCreation: RunnerFunc(d.defineTask),
		pipeline.StageAgenticLoop:  RunnerFunc(d.agenticLoop),
		pipeline.StageCodeReview:   RunnerFunc(d.review),
		pipeline.StagePrCreation:   RunnerFunc(d.pullRequest),
	}, nil
}

const (
	gateSchemaClarification = "shipline.gate.clarification"
	gateSchemaVersion       = 1
)

type clarificationContext struct {
	Summary   string   `json:"summary"`
	Questions []string `json:"questions"`
}

func adapterError(op string, in *StageInput, err error) error {
	return pipeline.NewError(op, pipeline.ErrAdapterFailure, in.Task.ID, in.Stage, op+" failed: "+err.Error(), err)
}

func (d RunnerDeps) triage(ctx context.Context, in *StageInput) (StageResult, error) {
	j, err := d.Reasoner.Triage(ctx, in.Task)
	if err != nil {
		return StageResult{}, adapterError("triage", in, err)
	}
	meta := TriageMetadata{Result: j.Value, Source: j.Source()}

	if j.Value.NeedsClarification() {
		gateCtx, err := pipeline.EncodeBlob(gateSchemaClarification, gateSchemaVersion,
			clarificationContext{Summary: j.Value.Summary, Questions: j.Value.Questions})
		if err != nil {
			return StageResult{}, err
		}
		h, err := d.Gates.Request(ctx, in.Task, in.Stage, pipeline.GateClarification, gateCtx)
		if err != nil {
			return StageResult{}, err
		}
		if err := in.Marker.MarkWaiting(ctx, in.Task.ID, in.Stage); err != nil {
			return StageResult{}, err
		}
		decision, err := h.Wait(ctx)
		if err != nil {
			return StageResult{}, err
		}
		if !decision.Approved {
			return StageResult{}, pipeline.NewError("triage", pipeline.ErrApprovalRejected, in.Task.ID, in.Stage,
				pipeline.ReasonClarificationDeclined, nil)
		}
		if err := in.Marker.MarkResumed(ctx, in.Task.ID, in.Stage); err != nil {
			return StageResult{}, err
		}
		meta.GateID = h.Gate().ID
		meta.Answers = decision.Notes
	}

	blob, err := encodeMetadata(SchemaTriage, meta)
	return StageResult{Metadata: blob}, err
}

func (d RunnerDeps) defineTask(ctx context.Context, in *StageInput) (StageResult, error) {
	var tm TriageMetadata
	in.Decode(pipeline.StageTriage, SchemaTriage, &tm)
	triage := tm.Result
	if tm.Answers != "" {
		triage.Summary = strings.TrimSpace(triage.Summary + "\n\nClarifications: " + tm.Answers)
	}

	j, err := d.Reasoner.DefineTask(ctx, in.Task, triage)
	if err != nil {
		return StageResult{}, adapterError("define task", in, err)
	}
	blob, err := encodeMetadata(SchemaTaskCreation, TaskMetadata{Definition: j.Value, Source: j.Source()})
	return StageResult{Metadata: blob}, err
}

func (d RunnerDeps) agenticLoop(ctx context.Context, in *StageInput) (StageResult, error) {
	var tm TaskMetadata
	in.Decode(pipeline.StageTaskCreation, SchemaTaskCreation, &tm)

	out, runErr := d.Loop.Run(ctx, agentloop.Request{
		Task:         in.Task,
		Requirements: requirements(in, tm.Definition),
		InitialPlan:  tm.Definition.Steps,
	})
	if out == nil {
		return StageResult{}, runErr
	}
	meta := LoopMetadata{
		RunID:      out.RunID,
		State:      out.State,
		Iterations: out.Iterations,
		Resources:  out.Resources,
		Log:        out.Log,
		Verdict:    out.Verdict,
		Reason:     out.Reason,
	}
	if out.Plan != nil {
		meta.PlanVersion = out.Plan.Version
	}
	blob, err := encodeMetadata(SchemaAgenticLoop, meta)
	if err != nil && runErr == nil {
		runErr = err
	}
	return StageResult{Metadata: blob}, runErr
}

// requirements joins the task requirements with clarifications and
// acceptance criteria gathered by earlier stages.
func requirements(in *StageInput, def reasoning.TaskDefinition) string {
	var b strings.Builder
	b.WriteString(in.Task.Requirements)
	var tm TriageMetadata
	if in.Decode(pipeline.StageTriage, SchemaTriage, &tm) && tm.Answers != "" {
		b.WriteString("\n\nClarifications:\n")
		b.WriteString(tm.Answers)
	}
	if len(def.AcceptanceCriteria) > 0 {
		b.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range def.AcceptanceCriteria {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func (d RunnerDeps) review(ctx context.Context, in *StageInput) (StageResult, error) {
	var lm LoopMetadata
	in.Decode(pipeline.StageAgenticLoop, SchemaAgenticLoop, &lm)

	j, err := d.Reasoner.Review(ctx, reasoning.ReviewRequest{Task: in.Task, Resources: lm.Resources, Log: lm.Log})
	if err != nil {
		return StageResult{}, adapterError("review", in, err)
	}
	meta := ReviewMetadata{Summary: j.Value.Summary, Approved: j.Value.Approved, Issues: j.Value.Issues, Source: j.Source()}
	blob, err := encodeMetadata(SchemaCodeReview, meta)
	if err != nil {
		return StageResult{}, err
	}
	if n := pipeline.UnresolvedBlocking(meta.Issues); n > 0 {
		return StageResult{Metadata: blob, Hold: true, Message: fmt.Sprintf("%d blocking review issues awaiting resolution", n)}, nil
	}
	return StageResult{Metadata: blob}, nil
}

func (d RunnerDeps) pullRequest(ctx context.Context, in *StageInput) (StageResult, error) {
	var rm ReviewMetadata
	in.Decode(pipeline.StageCodeReview, SchemaCodeReview, &rm)
	var lm LoopMetadata
	in.Decode(pipeline.StageAgenticLoop, SchemaAgenticLoop, &lm)

	j, err := d.Reasoner.DescribePullRequest(ctx, in.Task,
		reasoning.ReviewResult{Summary: rm.Summary, Approved: rm.Approved, Issues: rm.Issues}, lm.Resources)
	if err != nil {
		return StageResult{}, adapterError("describe pull request", in, err)
	}
	meta := PullRequestMetadata{Title: j.Value.Title, Body: j.Value.Body, Source: j.Source()}

	caps := map[string]bool{}
	if d.Tools != nil {
		for _, name := range d.Tools.Capabilities() {
			caps[name] = true
		}
	}

	if caps[tools.GitName] {
		meta.Branch = d.BranchPrefix + in.Task.ID
		if _, err := d.Tools.Invoke(ctx, tools.GitName, string(pipeline.ActionGitBranch), map[string]any{"name": meta.Branch}); err != nil {
			return StageResult{}, adapterError("create branch", in, err)
		}
		if _, err := d.Tools.Invoke(ctx, tools.GitName, string(pipeline.ActionGitPush), map[string]any{"branch": meta.Branch}); err != nil {
			if !errors.Is(err, tools.ErrNotConnected) {
				return StageResult{}, adapterError("push", in, err)
			}
		} else {
			meta.Pushed = true
		}
	}

	if caps[tools.GitHubName] && meta.Pushed {
		res, err := d.Tools.Invoke(ctx, tools.GitHubName, "create_pull_request", map[string]any{
			"title": meta.Title,
			"body":  meta.Body,
			"head":  meta.Branch,
		})
		if err != nil {
			return StageResult{}, adapterError("create pull request", in, err)
		}
		if n, ok := res.Data["number"].(int); ok {
			meta.Number = n
		}
		if u, ok := res.Data["url"].(string); ok {
			meta.URL = u
		}
	}

	blob, err := encodeMetadata(SchemaPrCreation, meta)
	return StageResult{Metadata: blob}, err
}
