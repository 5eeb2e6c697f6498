package agentloop

import (
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
	"github.com/fyrsmithlabs/shipline/internal/reasoning"
)

// Payload schemas of Loop Iteration records. Decode with
// pipeline.Blob.Decode using the matching schema and PayloadVersion.
const (
	SchemaPlanning   = "shipline.loop.planning"
	SchemaExecution  = "shipline.loop.execution"
	SchemaValidation = "shipline.loop.validation"
	SchemaIteration  = "shipline.loop.iteration"
	SchemaGate       = "shipline.loop.gate"
	PayloadVersion   = 1
)

// PlanningPayload is stored on the Planning record.
type PlanningPayload struct {
	Plan   *pipeline.Plan `json:"plan,omitempty"`
	Source string         `json:"source"`
	Error  string         `json:"error,omitempty"`
}

// ExecutionPayload is stored on each Execution record.
type ExecutionPayload struct {
	PlanVersion int                    `json:"plan_version"`
	Outcomes    []pipeline.StepOutcome `json:"outcomes"`
}

// ValidationPayload is stored on each Validation record.
type ValidationPayload struct {
	Verdict reasoning.Verdict `json:"verdict"`
	Source  string            `json:"source"`
	Error   string            `json:"error,omitempty"`
}

// IterationPayload is stored when refinement opens a new iteration.
type IterationPayload struct {
	Plan      *pipeline.Plan  `json:"plan"`
	Remaining []pipeline.Step `json:"remaining"`
	Source    string          `json:"source"`
}

// GatePayload is the context attached to an architecture sign-off gate.
type GatePayload struct {
	RunID       string          `json:"run_id"`
	PlanVersion int             `json:"plan_version"`
	Steps       []pipeline.Step `json:"steps"`
}
