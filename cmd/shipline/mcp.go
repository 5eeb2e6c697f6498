package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	mcpapi "github.com/fyrsmithlabs/shipline/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the pipeline tools over MCP stdio",
	Long: `Serve pipeline_start, pipeline_status, pipeline_cancel, gate_resolve,
issue_resolve and tool_search over the MCP stdio transport. Logs go to
stderr since stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMCP(cmd.Context())
	},
}

func runMCP(ctx context.Context) error {
	rt, err := setup(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	reg := rt.registry

	s, err := mcpapi.NewServer(&mcpapi.Config{
		Name:     "shipline",
		Version:  version,
		Logger:   rt.logger.Underlying(),
		OnCreate: reg.TaskHook(),
	}, reg.Coordinator(), reg.Gates(), reg.Scrubber())
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "shipline %s serving MCP on stdio\n", version)
	return s.Run(ctx)
}
