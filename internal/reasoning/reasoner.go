package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/shipline/internal/reasoning"

// FallbackQuestion is asked when a triage response cannot be parsed.
const FallbackQuestion = "Could you clarify the requirements? The request could not be triaged automatically."

// FallbackReviewIssue is raised when a review response cannot be parsed.
const FallbackReviewIssue = "review response could not be parsed"

// Completer sends one prompt to a language model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Reasoner turns model responses into typed judgments.
type Reasoner struct {
	completer Completer
	logger    *zap.Logger
	tracer    trace.Tracer
	timeout   time.Duration
}

// Option configures a Reasoner.
type Option func(*Reasoner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reasoner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCallTimeout bounds every completion. Zero leaves calls unbounded.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Reasoner) { r.timeout = d }
}

// NewReasoner creates a Reasoner over completer.
func NewReasoner(completer Completer, opts ...Option) (*Reasoner, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	r := &Reasoner{
		completer: completer,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// judge runs one completion and decodes it into T. A completer error is
// returned wrapped with ErrUnavailable. A response that does not decode or
// fails check yields Fallback(def).
func judge[T any](ctx context.Context, r *Reasoner, op string, task *pipeline.Task, prompt string, def T, check func(*T) error) (Judgment[T], error) {
	ctx, span := r.tracer.Start(ctx, "reasoning."+op)
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID))

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := r.completer.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Judgment[T]{}, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	var v T
	err = decodeJSON(raw, &v)
	if err == nil && check != nil {
		err = check(&v)
	}
	if err != nil {
		span.SetAttributes(attribute.String("judgment", "fallback"))
		r.logger.Warn("reasoning response did not conform, using fallback",
			zap.String("op", op),
			zap.String("task_id", task.ID),
			zap.Error(err))
		return Fallback(def, raw, err), nil
	}
	span.SetAttributes(attribute.String("judgment", "parsed"))
	return Parsed(v, raw), nil
}

// Triage asks whether the requirements can be implemented as stated.
// Fallback: one clarifying question.
func (r *Reasoner) Triage(ctx context.Context, task *pipeline.Task) (Judgment[TriageResult], error) {
	def := TriageResult{Summary: task.Title, Questions: []string{FallbackQuestion}}
	prompt := fmt.Sprintf(triagePrompt, task.Title, task.Requirements)
	return judge(ctx, r, "triage", task, prompt, def, func(t *TriageResult) error {
		if t.Summary == "" && t.Questions == nil {
			return fmt.Errorf("%w: empty triage", ErrMalformed)
		}
		t.Questions = nonEmpty(t.Questions)
		return nil
	})
}

// DefineTask turns triaged requirements into a task definition with an
// optional draft plan. Fallback: the task title and requirements, no steps.
func (r *Reasoner) DefineTask(ctx context.Context, task *pipeline.Task, triage TriageResult) (Judgment[TaskDefinition], error) {
	def := TaskDefinition{Title: task.Title, Description: task.Requirements}
	prompt := fmt.Sprintf(defineTaskPrompt, task.Title, task.Requirements, triage.Summary, actionList())
	return judge(ctx, r, "define_task", task, prompt, def, func(d *TaskDefinition) error {
		if d.Title == "" {
			return fmt.Errorf("%w: missing title", ErrMalformed)
		}
		return checkSteps(d.Steps, false)
	})
}

type stepList struct {
	Steps []pipeline.Step `json:"steps"`
}

// Plan asks for an implementation plan. Fallback: the seed plan.
func (r *Reasoner) Plan(ctx context.Context, req PlanRequest) (Judgment[[]pipeline.Step], error) {
	prompt := fmt.Sprintf(planPrompt, req.Task.Title, req.Requirements, mustJSON(req.Seed), actionList())
	j, err := judge(ctx, r, "plan", req.Task, prompt, stepList{Steps: req.Seed}, func(l *stepList) error {
		if len(l.Steps) == 0 {
			return fmt.Errorf("%w: empty plan", ErrMalformed)
		}
		return checkSteps(l.Steps, true)
	})
	return unwrapSteps(j), err
}

type verdictWire struct {
	Passed         *bool    `json:"passed"`
	Checks         []Check  `json:"checks"`
	NeedsIteration *bool    `json:"needs_iteration"`
	Suggestions    []string `json:"suggestions"`
}

// Validate asks for a verdict on an execution log.
// Fallback: not passed, needs iteration.
func (r *Reasoner) Validate(ctx context.Context, req ValidateRequest) (Judgment[Verdict], error) {
	def := verdictWire{Passed: ptr(false), NeedsIteration: ptr(true)}
	prompt := fmt.Sprintf(validatePrompt, req.Iteration, req.Requirements, mustJSON(req.Log))
	j, err := judge(ctx, r, "validate", req.Task, prompt, def, func(v *verdictWire) error {
		if v.Passed == nil {
			return fmt.Errorf("%w: missing passed", ErrMalformed)
		}
		if v.NeedsIteration == nil {
			// Absent means another attempt is allowed.
			v.NeedsIteration = ptr(!*v.Passed)
		}
		return nil
	})
	if err != nil {
		return Judgment[Verdict]{}, err
	}
	return Judgment[Verdict]{
		Value: Verdict{
			Passed:         *j.Value.Passed,
			Checks:         j.Value.Checks,
			NeedsIteration: *j.Value.NeedsIteration && !*j.Value.Passed,
			Suggestions:    j.Value.Suggestions,
		},
		fallback: j.fallback,
		Raw:      j.Raw,
		Cause:    j.Cause,
	}, nil
}

// Refine asks for revised steps given the verdict.
// Fallback: the remaining steps unchanged.
func (r *Reasoner) Refine(ctx context.Context, req RefineRequest) (Judgment[[]pipeline.Step], error) {
	prompt := fmt.Sprintf(refinePrompt, req.Task.Title, mustJSON(req.Remaining), mustJSON(req.Verdict), mustJSON(req.Log))
	j, err := judge(ctx, r, "refine", req.Task, prompt, stepList{Steps: req.Remaining}, func(l *stepList) error {
		return checkSteps(l.Steps, false)
	})
	return unwrapSteps(j), err
}

// Review asks for a code review. Fallback: not approved with one Major
// issue, so the review cannot pass silently.
func (r *Reasoner) Review(ctx context.Context, req ReviewRequest) (Judgment[ReviewResult], error) {
	def := ReviewResult{
		Summary: FallbackReviewIssue,
		Issues: []pipeline.Issue{{
			ID:       "review-1",
			Severity: pipeline.SeverityMajor,
			Title:    FallbackReviewIssue,
		}},
	}
	prompt := fmt.Sprintf(reviewPrompt, req.Task.Title, req.Task.Requirements, strings.Join(req.Resources, "\n"), mustJSON(req.Log))
	return judge(ctx, r, "review", req.Task, prompt, def, func(rv *ReviewResult) error {
		for i := range rv.Issues {
			rv.Issues[i].Severity = pipeline.Severity(strings.ToLower(string(rv.Issues[i].Severity)))
			if !rv.Issues[i].Severity.Valid() {
				return fmt.Errorf("%w: issue %d has severity %q", ErrMalformed, i, rv.Issues[i].Severity)
			}
			if rv.Issues[i].ID == "" {
				rv.Issues[i].ID = fmt.Sprintf("review-%d", i+1)
			}
			rv.Issues[i].Resolved = false
		}
		return nil
	})
}

// DescribePullRequest asks for a pull request title and body.
// Fallback: the task title with the requirements as body.
func (r *Reasoner) DescribePullRequest(ctx context.Context, task *pipeline.Task, review ReviewResult, resources []string) (Judgment[PullRequest], error) {
	def := PullRequest{Title: task.Title, Body: task.Requirements}
	prompt := fmt.Sprintf(pullRequestPrompt, task.Title, task.Requirements, review.Summary, strings.Join(resources, "\n"))
	return judge(ctx, r, "describe_pull_request", task, prompt, def, func(pr *PullRequest) error {
		if strings.TrimSpace(pr.Title) == "" {
			return fmt.Errorf("%w: missing title", ErrMalformed)
		}
		return nil
	})
}

// checkSteps rejects unknown actions and duplicate or empty IDs. With
// strict, dependencies must resolve inside the list.
func checkSteps(steps []pipeline.Step, strict bool) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrMalformed, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step %s", ErrMalformed, s.ID)
		}
		seen[s.ID] = true
		if !s.Action.Valid() {
			return fmt.Errorf("%w: step %s has unknown action %q", ErrMalformed, s.ID, s.Action)
		}
	}
	if strict {
		if err := pipeline.NewPlan(1, steps).Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}

func unwrapSteps(j Judgment[stepList]) Judgment[[]pipeline.Step] {
	return Judgment[[]pipeline.Step]{Value: j.Value.Steps, fallback: j.fallback, Raw: j.Raw, Cause: j.Cause}
}

func actionList() string {
	actions := pipeline.AllActions()
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
