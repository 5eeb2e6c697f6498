package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateTaskRequest is the request body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Owner        string `json:"owner"`
	Title        string `json:"title"`
	Requirements string `json:"requirements"`
}

// CreateTaskResponse is the response body for POST /api/v1/tasks.
type CreateTaskResponse struct {
	Task    *pipeline.Task `json:"task"`
	Warning string         `json:"warning,omitempty"`
}

// TaskStatusResponse is the response body for GET /api/v1/tasks/:id.
type TaskStatusResponse struct {
	Task        *pipeline.Task         `json:"task"`
	Stages      []*pipeline.StageEntry `json:"stages"`
	Current     pipeline.Stage         `json:"current,omitempty"`
	PendingGate *pipeline.Gate         `json:"pending_gate,omitempty"`
	Done        bool                   `json:"done"`
}

// ResolveGateRequest is the request body for POST /api/v1/gates/:id/resolve.
type ResolveGateRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid create task request", zap.Error(err))
		return badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Owner) == "" {
		return badRequest("owner field is required")
	}
	if strings.TrimSpace(req.Requirements) == "" {
		return badRequest("requirements field is required")
	}

	ctx := c.Request().Context()
	task, err := s.pipeline.CreateTask(ctx, coordinator.NewTask{
		Owner:        req.Owner,
		Title:        req.Title,
		Requirements: req.Requirements,
	})
	if err != nil {
		if task == nil {
			return apiError(err)
		}
		// The task exists; starting Triage failed and is recorded on it.
		return c.JSON(http.StatusCreated, CreateTaskResponse{Task: task, Warning: err.Error()})
	}

	resp := CreateTaskResponse{Task: task}
	if s.onCreate != nil {
		if err := s.onCreate(ctx, task); err != nil {
			s.logger.Error(logging.WithTask(ctx, task.ID, task.Owner), "task hook failed", zap.Error(err))
			resp.Warning = err.Error()
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleTaskStatus(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	task, err := s.pipeline.Task(ctx, id)
	if err != nil {
		return apiError(err)
	}
	stages, err := s.pipeline.Stages(ctx, id)
	if err != nil {
		return apiError(err)
	}
	resp := TaskStatusResponse{Task: task, Stages: stages}
	completed := 0
	for _, e := range stages {
		if e.Status == pipeline.StatusCompleted {
			completed++
			continue
		}
		if resp.Current == "" && e.Status != pipeline.StatusPending {
			resp.Current = e.Stage
		}
	}
	resp.Done = completed == len(pipeline.AllStages())

	gate, err := s.gates.Pending(ctx, id)
	switch {
	case err == nil:
		resp.PendingGate = gate
	case !errors.Is(err, pipeline.ErrNotFound):
		return apiError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStages(c echo.Context) error {
	stages, err := s.pipeline.Stages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, stages)
}

func (s *Server) handleStartStage(c echo.Context) error {
	stage, err := pipeline.ParseStage(c.Param("stage"))
	if err != nil {
		return badRequest(err.Error())
	}
	entry, err := s.pipeline.StartStage(c.Request().Context(), c.Param("id"), stage)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) handleIterations(c echo.Context) error {
	its, err := s.pipeline.Iterations(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, its)
}

func (s *Server) handleTaskGates(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.pipeline.Task(ctx, id); err != nil {
		return apiError(err)
	}
	gates, err := s.gates.List(ctx, id)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, gates)
}

func (s *Server) handleIssues(c echo.Context) error {
	issues, err := s.pipeline.Issues(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	if issues == nil {
		issues = []pipeline.Issue{}
	}
	return c.JSON(http.StatusOK, issues)
}

func (s *Server) handleResolveIssue(c echo.Context) error {
	issue, err := s.pipeline.ResolveIssue(c.Request().Context(), c.Param("id"), c.Param("issue"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, issue)
}

func (s *Server) handleCancel(c echo.Context) error {
	entry, err := s.pipeline.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) handleGetGate(c echo.Context) error {
	gate, err := s.gates.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, gate)
}

func (s *Server) handleResolveGate(c echo.Context) error {
	var req ResolveGateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	gate, err := s.gates.Resolve(c.Request().Context(), c.Param("id"), req.Approved, req.Notes)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, gate)
}
