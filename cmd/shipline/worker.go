package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/config"
	"github.com/fyrsmithlabs/shipline/internal/workflows"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline Temporal worker",
	Long: `Run the pipeline workflow and its stage activities on the configured
task queue. The worker shares tasks with serve through the ledger, so a
standalone worker needs store.backend jetstream.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWorker(cmd.Context())
	},
}

func runWorker(ctx context.Context) error {
	rt, err := setup(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, reg, logger := rt.cfg, rt.registry, rt.logger

	if reg.Temporal() == nil {
		return errors.New("temporal.enabled is false")
	}
	if cfg.Store.Backend == config.StoreMemory {
		logger.Warn(ctx, "standalone worker with the memory store cannot see tasks created by serve")
	}

	w := worker.New(reg.Temporal(), cfg.Temporal.TaskQueue, worker.Options{})
	workflows.Register(w, reg.Activities())

	logger.Info(ctx, "worker configured",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.String("namespace", cfg.Temporal.Namespace),
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker starting")
		workerErrors <- w.Run(worker.InterruptCh())
	}()

	select {
	case err := <-workerErrors:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	// Run stops the worker itself on the same interrupt signal.
	logger.Info(context.WithoutCancel(ctx), "worker stopped gracefully")
	return nil
}
