// Package pipeline defines the domain model shared by the ledger, the
// agentic loop and the coordinator: stages, stage entries, loop iteration
// records, approval gates, plans and the error taxonomy.
package pipeline

import (
	"fmt"
	"time"
)

// Stage is one of the five fixed pipeline phases of a task.
type Stage string

const (
	// StageTriage inspects requirements and asks clarifying questions.
	StageTriage Stage = "triage"

	// StageTaskCreation turns requirements into a task definition and initial plan.
	StageTaskCreation Stage = "task_creation"

	// StageAgenticLoop runs the plan/execute/validate/refine loop.
	StageAgenticLoop Stage = "agentic_loop"

	// StageCodeReview reviews the produced change.
	StageCodeReview Stage = "code_review"

	// StagePrCreation opens the pull request.
	StagePrCreation Stage = "pr_creation"
)

var stageOrder = []Stage{StageTriage, StageTaskCreation, StageAgenticLoop, StageCodeReview, StagePrCreation}

// AllStages returns all stages in execution order.
func AllStages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage converts a string into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Index returns the position of the stage in the fixed order, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage that follows s. ok is false for the terminal stage.
func (s Stage) Next() (next Stage, ok bool) {
	i := s.Index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// Previous returns the stage that must be Completed before s may start.
func (s Stage) Previous() (prev Stage, ok bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return stageOrder[i-1], true
}

// Terminal reports whether s is the last stage of the pipeline.
func (s Stage) Terminal() bool {
	return s == stageOrder[len(stageOrder)-1]
}

// StageStatus is the lifecycle status of a stage entry.
type StageStatus string

const (
	StatusPending         StageStatus = "pending"
	StatusInProgress      StageStatus = "in_progress"
	StatusWaitingApproval StageStatus = "waiting_approval"
	StatusCompleted       StageStatus = "completed"
	StatusFailed          StageStatus = "failed"
)

// Active reports whether the status holds the per-task execution slot.
func (s StageStatus) Active() bool {
	return s == StatusInProgress || s == StatusWaitingApproval
}

// Task identifies one unit of work.
type Task struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Title        string    `json:"title"`
	Requirements string    `json:"requirements"`
	CreatedAt    time.Time `json:"created_at"`
}

// StageEntry is the ledger row for one (task, stage) pair.
type StageEntry struct {
	TaskID      string      `json:"task_id"`
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Attempts    int         `json:"attempts"`
	Metadata    Blob        `json:"metadata,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the entry.
func (e *StageEntry) Clone() *StageEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	c.Metadata = e.Metadata.Clone()
	return &c
}

// Phase is the loop phase a Loop Iteration record belongs to.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseExecution  Phase = "execution"
	PhaseValidation Phase = "validation"
	PhaseIteration  Phase = "iteration"
)

// IterationStatus is the status of a Loop Iteration record.
type IterationStatus string

const (
	IterationRecorded IterationStatus = "recorded"
	IterationFailed   IterationStatus = "failed"
)

// LoopIteration is one append-only audit record written by the agentic loop
// on each phase transition.
type LoopIteration struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	Number    int             `json:"number"`
	Phase     Phase           `json:"phase"`
	Status    IterationStatus `json:"status"`
	Payload   Blob            `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the record.
func (it *LoopIteration) Clone() *LoopIteration {
	if it == nil {
		return nil
	}
	c := *it
	c.Payload = it.Payload.Clone()
	return &c
}

// GateType names the kind of decision a gate asks for.
type GateType string

const (
	GateArchitectureSignoff GateType = "architecture_signoff"
	GateClarification       GateType = "clarification"
)

// GateStatus is the status of an approval gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// Gate is a blocking checkpoint awaiting an external decision.
type Gate struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Owner       string     `json:"owner"`
	Stage       Stage      `json:"stage"`
	Type        GateType   `json:"type"`
	Status      GateStatus `json:"status"`
	Context     Blob       `json:"context,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Clone returns a deep copy of the gate.
func (g *Gate) Clone() *Gate {
	if g == nil {
		return nil
	}
	c := *g
	if g.RespondedAt != nil {
		t := *g.RespondedAt
		c.RespondedAt = &t
	}
	c.Context = g.Context.Clone()
	return &c
}

// Severity grades a review issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityMajor, SeverityMinor, SeverityInfo:
		return true
	}
	return false
}

// Blocking reports whether an unresolved issue of this severity prevents
// CodeReview from completing.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityMajor
}

// Issue is one finding produced by code review.
type Issue struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
	File     string   `json:"file,omitempty"`
	Resolved bool     `json:"resolved"`
}

// UnresolvedBlocking counts unresolved Critical and Major issues.
func UnresolvedBlocking(issues []Issue) int {
	n := 0
	for _, is := range issues {
		if !is.Resolved && is.Severity.Blocking() {
			n++
		}
	}
	return n
}
