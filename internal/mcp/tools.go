package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

var errInvalidArgument = errors.New("invalid argument")

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidArgument, fmt.Sprintf(format, args...))
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() error {
	for _, register := range []func() error{
		s.registerPipelineTools,
		s.registerGateTools,
		s.registerReviewTools,
		s.registerSearchTools,
	} {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) describe(tool *mcp.Tool, category ToolCategory, keywords ...string) (*mcp.Tool, error) {
	err := s.toolRegistry.Register(&ToolMetadata{
		Name:        tool.Name,
		Description: tool.Description,
		Category:    category,
		Keywords:    keywords,
	})
	return tool, err
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// ===== PIPELINE TOOLS =====

type pipelineStartInput struct {
	Owner        string `json:"owner" jsonschema:"Owner the task's events are grouped under"`
	Title        string `json:"title,omitempty" jsonschema:"Short title (defaults to the first line of requirements)"`
	Requirements string `json:"requirements" jsonschema:"Free-text requirements for the task"`
}

type pipelineStartOutput struct {
	TaskID  string               `json:"task_id" jsonschema:"Created task ID"`
	Title   string               `json:"title" jsonschema:"Task title"`
	Stage   pipeline.Stage       `json:"stage" jsonschema:"First stage"`
	Status  pipeline.StageStatus `json:"status" jsonschema:"Status of the first stage"`
	Warning string               `json:"warning,omitempty" jsonschema:"Set when the task was created but a follow-up step failed"`
}

type taskInput struct {
	TaskID string `json:"task_id" jsonschema:"Task ID"`
}

type stageSummary struct {
	Stage    pipeline.Stage       `json:"stage"`
	Status   pipeline.StageStatus `json:"status"`
	Attempts int                  `json:"attempts"`
	Reason   string               `json:"reason,omitempty"`
}

type pipelineStatusOutput struct {
	TaskID      string            `json:"task_id" jsonschema:"Task ID"`
	Title       string            `json:"title" jsonschema:"Task title"`
	Current     pipeline.Stage    `json:"current,omitempty" jsonschema:"First stage that is neither pending nor completed"`
	Done        bool              `json:"done" jsonschema:"True when every stage completed"`
	Stages      []stageSummary    `json:"stages" jsonschema:"Ledger entries in pipeline order"`
	PendingGate string            `json:"pending_gate,omitempty" jsonschema:"ID of the gate awaiting a decision"`
	GateType    pipeline.GateType `json:"gate_type,omitempty" jsonschema:"Type of the pending gate"`
}

type pipelineCancelOutput struct {
	TaskID string               `json:"task_id"`
	Stage  pipeline.Stage       `json:"stage" jsonschema:"Stage that was cancelled"`
	Status pipeline.StageStatus `json:"status"`
	Reason string               `json:"reason"`
}

func (s *Server) registerPipelineTools() error {
	tool, err := s.describe(&mcp.Tool{
		Name:        "pipeline_start",
		Description: "Create a task from free-text requirements and start its pipeline at triage",
	}, CategoryPipeline, "create", "task", "new", "requirements")
	if err != nil {
		return err
	}
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, req *mcp.CallToolRequest, args pipelineStartInput) (res *mcp.CallToolResult, out pipelineStartOutput, toolErr error) {
		done := s.metrics.track(ctx, "pipeline_start")
		defer func() { done(toolErr) }()

		if strings.TrimSpace(args.Owner) == "" {
			return nil, out, invalidArgument("owner is required")
		}
		if strings.TrimSpace(args.Requirements) == "" {
			return nil, out, invalidArgument("requirements are required")
		}
		task, err := s.pipeline.CreateTask(ctx, coordinator.NewTask{
			Owner:        args.Owner,
			Title:        args.Title,
			Requirements: args.Requirements,
		})
		if task == nil {
			return nil, out, fmt.Errorf("pipeline start failed: %w", err)
		}
		out = pipelineStartOutput{
			TaskID: task.ID,
			Title:  s.scrub(task.Title),
			Stage:  pipeline.StageTriage,
			Status: pipeline.StatusInProgress,
		}
		if err != nil {
			// The task exists; starting triage failed and is on its ledger.
			out.Status = pipeline.StatusFailed
			out.Warning = s.scrub(err.Error())
		} else if s.onCreate != nil {
			if err := s.onCreate(ctx, task); err != nil {
				s.logger.Error("task hook failed", zap.String("task.id", task.ID), zap.Error(err))
				out.Warning = s.scrub(err.Error())
			}
		}
		return textResult("Task created: %s", task.ID), out, nil
	})

	tool, err = s.describe(&mcp.Tool{
		Name:        "pipeline_status",
		Description: "Report the stage ledger of a task: each stage's status, the current stage and any pending approval gate",
	}, CategoryPipeline, "status", "progress", "ledger", "stages")
	if err != nil {
		return err
	}
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, req *mcp.CallToolRequest, args taskInput) (res *mcp.CallToolResult, out pipelineStatusOutput, toolErr error) {
		done := s.metrics.track(ctx, "pipeline_status")
		defer func() { done(toolErr) }()

		if args.TaskID == "" {
			return nil, out, invalidArgument("task_id is required")
		}
		task, err := s.pipeline.Task(ctx, args.TaskID)
		if err != nil {
			return nil, out, err
		}
		entries, err := s.pipeline.Stages(ctx, args.TaskID)
		if err != nil {
			return nil, out, err
		}
		out = pipelineStatusOutput{TaskID: task.ID, Title: s.scrub(task.Title), Stages: make([]stageSummary, 0, len(entries))}
		completed := 0
		for _, e := range entries {
			out.Stages = append(out.Stages, stageSummary{
				Stage:    e.Stage,
				Status:   e.Status,
				Attempts: e.Attempts,
				Reason:   s.scrub(e.Reason),
			})
			if e.Status == pipeline.StatusCompleted {
				completed++
			} else if out.Current == "" && e.Status != pipeline.StatusPending {
				out.Current = e.Stage
			}
		}
		out.Done = completed == len(pipeline.AllStages())

		gate, err := s.gates.Pending(ctx, args.TaskID)
		switch {
		case err == nil:
			out.PendingGate = gate.ID
			out.GateType = gate.Type
		case !errors.Is(err, pipeline.ErrNotFound):
			return nil, out, err
		}

		summary := fmt.Sprintf("%d/%d stages completed", completed, len(entries))
		if out.Current != "" {
			summary += fmt.Sprintf(", %s is %s", out.Current, statusOf(entries, out.Current))
		}
		return textResult("%s", summary), out, nil
	})

	tool, err = s.describe(&mcp.Tool{
		Name:        "pipeline_cancel",
		Description: "Cancel the active stage of a task; it fails with reason cancelled and can be retried",
	}, CategoryPipeline, "stop", "abort", "cancel")
	if err != nil {
		return err
	}
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, req *mcp.CallToolRequest, args taskInput) (res *mcp.CallToolResult, out pipelineCancelOutput, toolErr error) {
		done := s.metrics.track(ctx, "pipeline_cancel")
		defer func() { done(toolErr) }()

		if args.TaskID == "" {
			return nil, out, invalidArgument("task_id is required")
		}
		entry, err := s.pipeline.Cancel(ctx, args.TaskID)
		if err != nil {
			return nil, out, err
		}
		out = pipelineCancelOutput{TaskID: entry.TaskID, Stage: entry.Stage, Status: entry.Status, Reason: entry.Reason}
		return textResult("Cancelled %s", entry.Stage), out, nil
	})
	return nil
}

func statusOf(entries []*pipeline.StageEntry, stage pipeline.Stage) pipeline.StageStatus {
	for _, e := range entries {
		if e.Stage == stage {
			return e.Status
		}
	}
	return ""
}

// ===== GATE TOOLS =====

type gateResolveInput struct {
	GateID   string `json:"gate_id" jsonschema:"Gate ID"`
	Approved bool   `json:"approved" jsonschema:"Approve (true) or reject (false)"`
	Notes    string `json:"notes,omitempty" jsonschema:"Answer or reviewer notes passed back to the waiting stage"`
}

type gateResolveOutput struct {
	GateID string              `json:"gate_id"`
	TaskID string              `json:"task_id"`
	Stage  pipeline.Stage      `json:"stage"`
	Status pipeline.GateStatus `json:"status"`
}

func (s *Server) registerGateTools() error {
	tool, err := s.describe(&mcp.Tool{
		Name:        "gate_resolve",
		Description: "Approve or reject a pending approval gate (clarification or architecture signoff)",
	}, CategoryGate, "approve", "reject", "clarification", "signoff")
	if err != nil {
		return err
	}
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, req *mcp.CallToolRequest, args gateResolveInput) (res *mcp.CallToolResult, out gateResolveOutput, toolErr error) {
		done := s.metrics.track(ctx, "gate_resolve")
		defer func() { done(toolErr) }()

		if args.GateID == "" {
			return nil, out, invalidArgument("gate_id is required")
		}
		gate, err := s.gates.Resolve(ctx, args.GateID, args.Approved, args.Notes)
		if err != nil {
			return nil, out, err
		}
		out = gateResolveOutput{GateID: gate.ID, TaskID: gate.TaskID, Stage: gate.Stage, Status: gate.Status}
		return textResult("Gate %s %s", gate.ID, gate.Status), out, nil
	})
	return nil
}

// ===== REVIEW TOOLS =====

type issueResolveInput struct {
	TaskID  string `json:"task_id" jsonschema:"Task ID"`
	IssueID string `json:"issue_id" jsonschema:"Review issue ID"`
}

type issueResolveOutput struct {
	IssueID  string            `json:"issue_id"`
	Severity pipeline.Severity `json:"severity"`
	Title    string            `json:"title"`
	Resolved bool              `json:"resolved"`
}

func (s *Server) registerReviewTools() error {
	tool, err := s.describe(&mcp.Tool{
		Name:        "issue_resolve",
		Description: "Mark a code review issue resolved; a held review completes once no critical or major issue remains",
	}, CategoryReview, "review", "issue", "finding", "resolve")
	if err != nil {
		return err
	}
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, req *mcp.CallToolRequest, args issueResolveInput) (res *mcp.CallToolResult, out issueResolveOutput, toolErr error) {
		done := s.metrics.track(ctx, "issue_resolve")
		defer func() { done(toolErr) }()

		if args.TaskID == "" || args.IssueID == "" {
			return nil, out, invalidArgument("task_id and issue_id are required")
		}
		issue, err := s.pipeline.ResolveIssue(ctx, args.TaskID, args.IssueID)
		if err != nil {
			return nil, out, err
		}
		out = issueResolveOutput{IssueID: issue.ID, Severity: issue.Severity, Title: s.scrub(issue.Title), Resolved: issue.Resolved}
		return textResult("Issue %s resolved", issue.ID), out, nil
	})
	return nil
}
