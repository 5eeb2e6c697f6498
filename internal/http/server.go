// Package http provides the HTTP control API of shipline: task creation,
// stage control, gate and issue resolution, server-sent event streams and
// Prometheus metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// Pipeline is the coordinator surface the API drives.
type Pipeline interface {
	CreateTask(ctx context.Context, nt coordinator.NewTask) (*pipeline.Task, error)
	Task(ctx context.Context, taskID string) (*pipeline.Task, error)
	Stages(ctx context.Context, taskID string) ([]*pipeline.StageEntry, error)
	Iterations(ctx context.Context, taskID string) ([]*pipeline.LoopIteration, error)
	StartStage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error)
	Cancel(ctx context.Context, taskID string) (*pipeline.StageEntry, error)
	Issues(ctx context.Context, taskID string) ([]pipeline.Issue, error)
	ResolveIssue(ctx context.Context, taskID, issueID string) (*pipeline.Issue, error)
}

// Gates is the approval gate surface the API drives.
type Gates interface {
	Resolve(ctx context.Context, gateID string, approved bool, notes string) (*pipeline.Gate, error)
	Get(ctx context.Context, gateID string) (*pipeline.Gate, error)
	List(ctx context.Context, taskID string) ([]*pipeline.Gate, error)
	Pending(ctx context.Context, taskID string) (*pipeline.Gate, error)
}

// TaskHook runs after a task is created, for example to start its durable
// workflow. A hook error is logged and reported on the response.
type TaskHook func(ctx context.Context, task *pipeline.Task) error

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// KeepAlive is the comment interval on idle event streams.
	KeepAlive time.Duration
}

// Server provides the HTTP API.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	gates    Gates
	events   events.Broadcaster
	logger   *logging.Logger
	metrics  *HTTPMetrics
	config   *Config
	onCreate TaskHook
}

// Option configures a Server.
type Option func(*Server)

// WithTaskHook sets the hook run after task creation.
func WithTaskHook(h TaskHook) Option {
	return func(s *Server) { s.onCreate = h }
}

// WithMetrics overrides the HTTP instruments.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewServer creates the HTTP server.
func NewServer(p Pipeline, gates Gates, broadcaster events.Broadcaster, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	switch {
	case p == nil:
		return nil, fmt.Errorf("pipeline is required")
	case gates == nil:
		return nil, fmt.Errorf("gates are required")
	case broadcaster == nil:
		return nil, fmt.Errorf("broadcaster is required")
	case logger == nil:
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8088}
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		pipeline: p,
		gates:    gates,
		events:   broadcaster,
		logger:   logger,
		metrics:  NewHTTPMetrics(logger.Underlying()),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: s.bindRequestID,
	}))
	e.Use(s.requestLogger)
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks/:id", s.handleTaskStatus)
	v1.GET("/tasks/:id/stages", s.handleStages)
	v1.POST("/tasks/:id/stages/:stage/start", s.handleStartStage)
	v1.GET("/tasks/:id/iterations", s.handleIterations)
	v1.GET("/tasks/:id/gates", s.handleTaskGates)
	v1.GET("/tasks/:id/issues", s.handleIssues)
	v1.POST("/tasks/:id/issues/:issue/resolve", s.handleResolveIssue)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
	v1.GET("/tasks/:id/events", s.handleTaskEvents)
	v1.GET("/owners/:owner/events", s.handleOwnerEvents)
	v1.GET("/gates/:id", s.handleGetGate)
	v1.POST("/gates/:id/resolve", s.handleResolveGate)
}

// bindRequestID puts a well-formed request ID on the request context.
// Malformed client-supplied IDs are kept off the context.
func (s *Server) bindRequestID(c echo.Context, id string) {
	if !logging.ValidRequestID(id) {
		return
	}
	req := c.Request()
	c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// Mount serves h under prefix, which must start with a slash.
func (s *Server) Mount(prefix string, h http.Handler) {
	wrapped := echo.WrapHandler(h)
	s.echo.Any(prefix, wrapped)
	s.echo.Any(prefix+"/*", wrapped)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
