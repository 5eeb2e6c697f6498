package reasoning

import (
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// TriageResult is the outcome of requirement triage.
type TriageResult struct {
	Summary    string   `json:"summary"`
	Complexity string   `json:"complexity,omitempty"`
	Questions  []string `json:"questions"`
}

// NeedsClarification reports whether triage asked any questions.
func (t TriageResult) NeedsClarification() bool {
	return len(t.Questions) > 0
}

// TaskDefinition is the outcome of the task creation stage.
type TaskDefinition struct {
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	AcceptanceCriteria []string        `json:"acceptance_criteria,omitempty"`
	Steps              []pipeline.Step `json:"steps,omitempty"`
}

// Check is one validation check.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the outcome of validating an iteration's execution log.
type Verdict struct {
	Passed         bool     `json:"passed"`
	Checks         []Check  `json:"checks,omitempty"`
	NeedsIteration bool     `json:"needs_iteration"`
	Suggestions    []string `json:"suggestions,omitempty"`
}

// ReviewResult is the outcome of code review.
type ReviewResult struct {
	Summary  string           `json:"summary"`
	Approved bool             `json:"approved"`
	Issues   []pipeline.Issue `json:"issues,omitempty"`
}

// PullRequest is a generated pull request description.
type PullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PlanRequest asks for an implementation plan.
type PlanRequest struct {
	Task         *pipeline.Task
	Requirements string
	// Seed is the plan produced during task creation, if any.
	Seed []pipeline.Step
}

// ValidateRequest asks for a verdict on one iteration.
type ValidateRequest struct {
	Task         *pipeline.Task
	Requirements string
	Iteration    int
	Log          []pipeline.StepOutcome
}

// RefineRequest asks for a revised step list.
type RefineRequest struct {
	Task      *pipeline.Task
	Remaining []pipeline.Step
	Verdict   Verdict
	Log       []pipeline.StepOutcome
}

// ReviewRequest asks for a review of the changes made by the loop.
type ReviewRequest struct {
	Task      *pipeline.Task
	Resources []string
	Log       []pipeline.StepOutcome
}
