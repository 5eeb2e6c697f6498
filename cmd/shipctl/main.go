// Package main implements shipctl, the operator CLI for a running shipline
// server. It creates tasks, inspects the stage ledger, resolves approval
// gates and review issues, and follows event streams.
//
// Usage:
//
//	shipctl create --owner alice "Add a /healthz endpoint"
//	shipctl status <task-id>
//	shipctl watch <task-id>
//	shipctl gate approve <gate-id>
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/shipline/internal/monitor"
)

var (
	// serverURL is the base URL of the shipline HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shipctl",
	Short: "CLI for shipline server operations",
	Long: `shipctl is a command-line interface for the shipline HTTP server.
It creates tasks, shows their stages, resolves approval gates and review
issues, and follows pipeline events.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8088", "shipline server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(iterationsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
}

func newClient() *monitor.Client {
	return monitor.NewClient(serverURL)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check shipline server health",
	Long: `Check the health status of the shipline HTTP server.

Examples:
  # Check health
  shipctl health

  # Check health on a different server
  shipctl health --server http://localhost:9000`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	c := newClient()
	resp, err := c.Health(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printField(out, "Server Status", resp.Status)
	printField(out, "Server URL", c.BaseURL())
	return nil
}
