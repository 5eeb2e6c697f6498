package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
	"github.com/fyrsmithlabs/shipline/internal/redact"
)

// Pipeline is the coordinator surface the tools drive.
type Pipeline interface {
	CreateTask(ctx context.Context, nt coordinator.NewTask) (*pipeline.Task, error)
	Task(ctx context.Context, taskID string) (*pipeline.Task, error)
	Stages(ctx context.Context, taskID string) ([]*pipeline.StageEntry, error)
	Cancel(ctx context.Context, taskID string) (*pipeline.StageEntry, error)
	ResolveIssue(ctx context.Context, taskID, issueID string) (*pipeline.Issue, error)
}

// Gates is the approval gate surface the tools drive.
type Gates interface {
	Resolve(ctx context.Context, gateID string, approved bool, notes string) (*pipeline.Gate, error)
	Pending(ctx context.Context, taskID string) (*pipeline.Gate, error)
}

// TaskHook runs after pipeline_start creates a task.
type TaskHook func(ctx context.Context, task *pipeline.Task) error

// Server is an MCP server over the pipeline.
type Server struct {
	mcp          *mcp.Server
	pipeline     Pipeline
	gates        Gates
	scrubber     redact.Scrubber
	onCreate     TaskHook
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "shipline")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// OnCreate runs after a task is created, for example to start its
	// durable workflow. Optional.
	OnCreate TaskHook
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "shipline",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers its tools.
func NewServer(cfg *Config, p Pipeline, gates Gates, scrubber redact.Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if gates == nil {
		return nil, fmt.Errorf("gates are required")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:          mcpServer,
		pipeline:     p,
		gates:        gates,
		scrubber:     scrubber,
		onCreate:     cfg.OnCreate,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Logger),
		logger:       cfg.Logger,
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Connect serves one session over transport and returns immediately.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

// HTTPHandler serves sessions over the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

// Run serves the stdio transport until ctx is done or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.toolRegistry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

func (s *Server) scrub(text string) string {
	out, _ := s.scrubber.Scrub(text)
	return out
}
