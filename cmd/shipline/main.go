// Shipline drives software tasks through triage, task definition, an
// agentic plan/execute/validate loop, code review and pull request creation.
//
// Usage:
//
//	# Start the HTTP API (and the Temporal worker when temporal is enabled)
//	shipline serve
//
//	# Serve the MCP tools on stdio for an MCP client
//	shipline mcp
//
//	# Run only the Temporal worker
//	shipline worker
//
// Configuration is read from ~/.config/shipline/config.yaml and SHIPLINE_*
// environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shipline",
	Short: "Workflow orchestration and agentic loop engine",
	Long: `shipline sequences tasks through five pipeline stages, pausing for
human approval where a stage needs it, and streams progress to observers.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/shipline/config.yaml)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("shipline %s (commit %s, built %s)\n", version, gitCommit, buildDate))
	rootCmd.AddCommand(serveCmd, mcpCmd, workerCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "shipline %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildDate)
	},
}
