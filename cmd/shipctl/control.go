package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func printField(out io.Writer, label, value string) {
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
}

var gateNotes string

// gateCmd groups the approval gate commands
var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Resolve approval gates",
}

var gateApproveCmd = &cobra.Command{
	Use:   "approve <gate-id>",
	Short: "Approve a pending gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveGate(cmd, args[0], true)
	},
}

var gateRejectCmd = &cobra.Command{
	Use:   "reject <gate-id>",
	Short: "Reject a pending gate",
	Long: `Reject a pending gate. The notes are handed back to the stage that
asked, so say what should change.

Examples:
  shipctl gate reject 9a2e... --notes "split the migration into its own PR"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveGate(cmd, args[0], false)
	},
}

func resolveGate(cmd *cobra.Command, gateID string, approved bool) error {
	g, err := newClient().ResolveGate(cmd.Context(), gateID, approved, gateNotes)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printField(out, "Gate", g.ID)
	printField(out, "Stage", string(g.Stage))
	printField(out, "Status", string(g.Status))
	return nil
}

// issuesCmd lists and resolves code review issues
var issuesCmd = &cobra.Command{
	Use:   "issues <task-id>",
	Short: "List the code review issues of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssues,
}

var issueResolveCmd = &cobra.Command{
	Use:   "resolve <task-id> <issue-id>",
	Short: "Mark a review issue resolved",
	Args:  cobra.ExactArgs(2),
	RunE:  runResolveIssue,
}

var iterationsCmd = &cobra.Command{
	Use:   "iterations <task-id>",
	Short: "List the agentic loop iterations of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runIterations,
}

// cancelCmd cancels the active stage
var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel the active stage of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

// retryCmd restarts a failed stage
var retryCmd = &cobra.Command{
	Use:   "retry <task-id> <stage>",
	Short: "Start a pending stage or retry a failed one",
	Long: `Start a pending stage or retry a failed one. The previous stage must be
completed.

Stages: triage, task_creation, agentic_loop, code_review, pr_creation`,
	Args: cobra.ExactArgs(2),
	RunE: runRetry,
}

func init() {
	gateCmd.PersistentFlags().StringVar(&gateNotes, "notes", "", "notes for the requesting stage")
	gateCmd.AddCommand(gateApproveCmd)
	gateCmd.AddCommand(gateRejectCmd)
	issuesCmd.AddCommand(issueResolveCmd)
}

func runIssues(cmd *cobra.Command, args []string) error {
	issues, err := newClient().Issues(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(issues) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no issues"))
		return nil
	}
	for _, is := range issues {
		mark := errStyle.Render("✗")
		switch {
		case is.Resolved:
			mark = okStyle.Render("✓")
		case !is.Severity.Blocking():
			mark = warnStyle.Render("!")
		}
		line := fmt.Sprintf("%s %-8s %-9s %s", mark, is.ID, is.Severity, is.Title)
		if is.File != "" {
			line += dimStyle.Render("  " + is.File)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "\n%d blocking unresolved\n", pipeline.UnresolvedBlocking(issues))
	return nil
}

func runResolveIssue(cmd *cobra.Command, args []string) error {
	is, err := newClient().ResolveIssue(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s resolved\n", okStyle.Render("✓"), is.ID)
	return nil
}

func runIterations(cmd *cobra.Command, args []string) error {
	its, err := newClient().Iterations(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(its) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no iterations"))
		return nil
	}
	for _, it := range its {
		fmt.Fprintf(out, "%s  #%-3d %-10s %-9s %s\n",
			it.CreatedAt.Local().Format("15:04:05"), it.Number, it.Phase, it.Status, dimStyle.Render(it.RunID))
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	e, err := newClient().Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printField(out, "Stage", string(e.Stage))
	printField(out, "Status", string(e.Status))
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	stage := pipeline.Stage(args[1])
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", args[1])
	}
	e, err := newClient().StartStage(cmd.Context(), args[0], stage)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printField(out, "Stage", string(e.Stage))
	printField(out, "Status", string(e.Status))
	printField(out, "Attempt", fmt.Sprintf("%d", e.Attempts))
	return nil
}
