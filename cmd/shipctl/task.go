package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/shipline/internal/events"
	httpapi "github.com/fyrsmithlabs/shipline/internal/http"
	"github.com/fyrsmithlabs/shipline/internal/monitor"
)

var (
	createOwner   string
	createTitle   string
	createFile    string
	createWatch   bool
	statusJSON    bool
	watchInterval time.Duration
	eventsTask    string
	eventsOwner   string
)

// createCmd creates a task
var createCmd = &cobra.Command{
	Use:   "create [requirements...]",
	Short: "Create a task and start its pipeline",
	Long: `Create a task from free-form requirements. The server starts triage
immediately.

Examples:
  # Requirements as arguments
  shipctl create --owner alice "Add a /healthz endpoint with tests"

  # Requirements from a file, then follow the task
  shipctl create --owner alice --file req.md --watch

  # Requirements from stdin
  cat req.md | shipctl create --owner alice --file -`,
	RunE: runCreate,
}

// statusCmd shows the stage ledger of a task
var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the stages of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// watchCmd opens the dashboard for a task
var watchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow a task in a live dashboard",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

// eventsCmd prints an event stream
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the events of a task or an owner",
	Long: `Print events as they arrive. A task stream ends when the pipeline
completes or fails; an owner stream runs until interrupted.

Examples:
  shipctl events --task 4f1c...
  shipctl events --owner alice`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	createCmd.Flags().StringVar(&createOwner, "owner", os.Getenv("USER"), "task owner")
	createCmd.Flags().StringVar(&createTitle, "title", "", "task title (defaults to the first requirements line)")
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "read requirements from a file, or - for stdin")
	createCmd.Flags().BoolVar(&createWatch, "watch", false, "open the dashboard after creating the task")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status response")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "ledger refresh interval")
	createCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "ledger refresh interval with --watch")
	eventsCmd.Flags().StringVar(&eventsTask, "task", "", "task ID")
	eventsCmd.Flags().StringVar(&eventsOwner, "owner", "", "owner")
}

func readRequirements(cmd *cobra.Command, args []string) (string, error) {
	switch createFile {
	case "":
		return strings.Join(args, " "), nil
	case "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		return string(b), nil
	default:
		b, err := os.ReadFile(createFile)
		if err != nil {
			return "", fmt.Errorf("failed to read file %s: %w", createFile, err)
		}
		return string(b), nil
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	if createFile != "" && len(args) > 0 {
		return fmt.Errorf("requirements come from either arguments or --file, not both")
	}
	reqs, err := readRequirements(cmd, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reqs) == "" {
		return fmt.Errorf("no requirements given")
	}

	c := newClient()
	resp, err := c.CreateTask(cmd.Context(), httpapi.CreateTaskRequest{
		Owner:        createOwner,
		Title:        createTitle,
		Requirements: reqs,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printField(out, "Task", resp.Task.ID)
	printField(out, "Title", resp.Task.Title)
	if resp.Warning != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("warning: "+resp.Warning))
	}
	if createWatch {
		return watch(cmd, c, resp.Task.ID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := newClient().Task(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	renderStatus(out, st, time.Now())
	return nil
}

func renderStatus(out io.Writer, st *httpapi.TaskStatusResponse, now time.Time) {
	if st.Task != nil {
		printField(out, "Task", st.Task.ID)
		printField(out, "Title", st.Task.Title)
		printField(out, "Owner", st.Task.Owner)
	}
	fmt.Fprintln(out)
	for _, e := range st.Stages {
		marker := "  "
		if e.Stage == st.Current {
			marker = "› "
		}
		line := fmt.Sprintf("%s%-14s %s", marker, e.Stage, monitor.FormatStatus(e.Status))
		if e.Attempts > 0 {
			line += dimStyle.Render(fmt.Sprintf("  #%d  %s", e.Attempts, monitor.FormatDuration(monitor.StageElapsed(e, now))))
		}
		if e.Reason != "" {
			line += "  " + errStyle.Render(e.Reason)
		}
		fmt.Fprintln(out, line)
	}
	if g := st.PendingGate; g != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("⏸ %s gate %s on %s", g.Type, g.ID, g.Stage)))
	}
	if st.Done {
		fmt.Fprintln(out)
		fmt.Fprintln(out, okStyle.Render("✓ pipeline complete"))
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	return watch(cmd, newClient(), args[0])
}

func watch(cmd *cobra.Command, c *monitor.Client, taskID string) error {
	model := monitor.NewModel(cmd.Context(), c, taskID, watchInterval)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil && cmd.Context().Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	if (eventsTask == "") == (eventsOwner == "") {
		return fmt.Errorf("exactly one of --task or --owner is required")
	}
	out := cmd.OutOrStdout()
	printEvent := func(ev events.Event) error {
		line := monitor.FormatEvent(ev)
		if ev.Kind == events.KindError {
			line = errStyle.Render(line)
		}
		_, err := fmt.Fprintln(out, line)
		return err
	}
	c := newClient()
	if eventsTask != "" {
		return c.StreamTask(cmd.Context(), eventsTask, printEvent)
	}
	return c.StreamOwner(cmd.Context(), eventsOwner, printEvent)
}
