package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	httpapi "github.com/fyrsmithlabs/shipline/internal/http"
	mcpapi "github.com/fyrsmithlabs/shipline/internal/mcp"
	"github.com/fyrsmithlabs/shipline/internal/workflows"
)

var serveWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP control API, the event streams and the MCP endpoint at /mcp.

With temporal enabled, task pipelines run as Temporal workflows and the
pipeline worker runs in this process unless --worker=false.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorker, "worker", true, "run the Temporal worker in-process when temporal is enabled")
}

func runServe(ctx context.Context) error {
	rt, err := setup(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, reg, logger := rt.cfg, rt.registry, rt.logger

	logger.Info(ctx, "starting shipline",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	hook := reg.TaskHook()
	srv, err := httpapi.NewServer(reg.Coordinator(), reg.Gates(), reg.Events(), logger,
		&httpapi.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		httpapi.WithTaskHook(hook),
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	tools, err := mcpapi.NewServer(&mcpapi.Config{
		Name:     "shipline",
		Version:  version,
		Logger:   logger.Underlying(),
		OnCreate: hook,
	}, reg.Coordinator(), reg.Gates(), reg.Scrubber())
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	srv.Mount("/mcp", tools.HTTPHandler())

	if reg.Launcher() != nil && serveWorker {
		w := worker.New(reg.Temporal(), cfg.Temporal.TaskQueue, worker.Options{})
		workflows.Register(w, reg.Activities())
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		defer w.Stop()
		logger.Info(ctx, "worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info(shutdownCtx, "server stopped gracefully")
	return nil
}
