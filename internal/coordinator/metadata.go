package coordinator

import (
	"github.com/fyrsmithlabs/shipline/internal/agentloop"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
	"github.com/fyrsmithlabs/shipline/internal/reasoning"
)

// Stage metadata schemas. Each is written and read only by this package.
const (
	SchemaTriage       = "shipline.stage.triage"
	SchemaTaskCreation = "shipline.stage.task_creation"
	SchemaAgenticLoop  = "shipline.stage.agentic_loop"
	SchemaCodeReview   = "shipline.stage.code_review"
	SchemaPrCreation   = "shipline.stage.pr_creation"
	MetadataVersion    = 1
)

// TriageMetadata is the outcome of Triage.
type TriageMetadata struct {
	Result  reasoning.TriageResult `json:"result"`
	Source  string                 `json:"source"`
	GateID  string                 `json:"gate_id,omitempty"`
	Answers string                 `json:"answers,omitempty"`
}

// TaskMetadata is the outcome of TaskCreation.
type TaskMetadata struct {
	Definition reasoning.TaskDefinition `json:"definition"`
	Source     string                   `json:"source"`
}

// LoopMetadata is the outcome of one AgenticLoop invocation.
type LoopMetadata struct {
	RunID       string                 `json:"run_id"`
	State       agentloop.State        `json:"state"`
	Iterations  int                    `json:"iterations"`
	PlanVersion int                    `json:"plan_version"`
	Resources   []string               `json:"resources,omitempty"`
	Log         []pipeline.StepOutcome `json:"log,omitempty"`
	Verdict     reasoning.Verdict      `json:"verdict"`
	Reason      string                 `json:"reason,omitempty"`
}

// ReviewMetadata is the outcome of CodeReview, including issue resolution
// state.
type ReviewMetadata struct {
	Summary  string           `json:"summary"`
	Approved bool             `json:"approved"`
	Issues   []pipeline.Issue `json:"issues,omitempty"`
	Source   string           `json:"source"`
}

// PullRequestMetadata is the outcome of PrCreation.
type PullRequestMetadata struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Branch string `json:"branch,omitempty"`
	Pushed bool   `json:"pushed"`
	Number int    `json:"number,omitempty"`
	URL    string `json:"url,omitempty"`
	Source string `json:"source"`
}

func encodeMetadata(schema string, v any) (pipeline.Blob, error) {
	return pipeline.EncodeBlob(schema, MetadataVersion, v)
}

// decodeEntry decodes the metadata of e if it carries schema. It reports
// false when the entry is missing or holds another schema.
func decodeEntry(e *pipeline.StageEntry, schema string, v any) bool {
	if e == nil || e.Metadata.Schema != schema {
		return false
	}
	return e.Metadata.Decode(schema, MetadataVersion, v) == nil
}
