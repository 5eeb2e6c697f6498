package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/shipline/internal/events"
	httpapi "github.com/fyrsmithlabs/shipline/internal/http"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	logSize         = 10
	feedBuffer      = 64
)

// Model is the BubbleTea model of the task watch dashboard. It follows one
// task's event stream and refreshes the stage ledger whenever a stage
// changes.
type Model struct {
	ctx      context.Context
	client   *Client
	taskID   string
	interval time.Duration
	now      func() time.Time

	status      *httpapi.TaskStatusResponse
	log         []events.Event
	phase       pipeline.Phase
	iteration   int
	percent     float64
	history     []float64
	lastUpdate  time.Time
	streamEnded bool
	notice      string
	err         error
	quitting    bool

	feed         chan events.Event
	loopProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard for one task. The event stream stops when
// ctx is done.
func NewModel(ctx context.Context, client *Client, taskID string, interval time.Duration) Model {
	return Model{
		ctx:      ctx,
		client:   client,
		taskID:   taskID,
		interval: interval,
		now:      time.Now,
		history:  make([]float64, 0, historySize),
		feed:     make(chan events.Event, feedBuffer),
		loopProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type statusMsg *httpapi.TaskStatusResponse
type eventMsg events.Event
type streamEndedMsg struct{ err error }
type noticeMsg string
type errMsg error

// Init starts the event stream and the first ledger fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.ctx, m.client, m.taskID),
		streamEvents(m.ctx, m.client, m.taskID, m.feed),
		waitForEvent(m.feed),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatus(ctx context.Context, c *Client, taskID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		st, err := c.Task(ctx, taskID)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(st)
	}
}

// streamEvents follows the task's event stream into feed and closes feed
// when the stream ends.
func streamEvents(ctx context.Context, c *Client, taskID string, feed chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		defer close(feed)
		err := c.StreamTask(ctx, taskID, func(ev events.Event) error {
			select {
			case feed <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return streamEndedMsg{err: err}
	}
}

func waitForEvent(feed <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-feed
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (m Model) action(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		notice, err := fn(ctx)
		if err != nil {
			return errMsg(err)
		}
		return noticeMsg(notice)
	}
}

func (m Model) resolveGate(approved bool) tea.Cmd {
	if m.status == nil || m.status.PendingGate == nil {
		return func() tea.Msg { return noticeMsg("no pending gate") }
	}
	gateID := m.status.PendingGate.ID
	return m.action(func(ctx context.Context) (string, error) {
		g, err := m.client.ResolveGate(ctx, gateID, approved, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("gate %s %s", g.ID, g.Status), nil
	})
}

func (m Model) cancel() tea.Cmd {
	return m.action(func(ctx context.Context) (string, error) {
		e, err := m.client.Cancel(ctx, m.taskID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s cancelled", e.Stage), nil
	})
}

// retry restarts the first failed stage.
func (m Model) retry() tea.Cmd {
	var failed pipeline.Stage
	if m.status != nil {
		for _, e := range m.status.Stages {
			if e.Status == pipeline.StatusFailed {
				failed = e.Stage
				break
			}
		}
	}
	if failed == "" {
		return func() tea.Msg { return noticeMsg("no failed stage") }
	}
	return m.action(func(ctx context.Context) (string, error) {
		e, err := m.client.StartStage(ctx, m.taskID, failed)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s restarted (attempt %d)", e.Stage, e.Attempts), nil
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.ctx, m.client, m.taskID)
		case "a":
			return m, m.resolveGate(true)
		case "x":
			return m, m.resolveGate(false)
		case "c":
			return m, m.cancel()
		case "t":
			return m, m.retry()
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.ctx, m.client, m.taskID),
		)

	case statusMsg:
		m.status = msg
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case eventMsg:
		ev := events.Event(msg)
		m.log = append(m.log, ev)
		if len(m.log) > logSize {
			m.log = m.log[1:]
		}
		cmds := []tea.Cmd{waitForEvent(m.feed)}
		switch ev.Kind {
		case events.KindProgress:
			m.phase = ev.Phase
			m.iteration = ev.Iteration
			m.percent = float64(ev.Percent) / 100
			m.history = appendToHistory(m.history, float64(ev.Percent))
		case events.KindStageUpdate, events.KindComplete, events.KindError:
			cmds = append(cmds, fetchStatus(m.ctx, m.client, m.taskID))
		}
		return m, tea.Batch(cmds...)

	case streamEndedMsg:
		m.streamEnded = true
		if msg.err != nil {
			m.err = msg.err
		}
		return m, fetchStatus(m.ctx, m.client, m.taskID)

	case noticeMsg:
		m.notice = string(msg)
		m.err = nil
		return m, fetchStatus(m.ctx, m.client, m.taskID)

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var content string

	title := m.taskID
	if m.status != nil && m.status.Task != nil {
		title = m.status.Task.Title
	}
	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	content += headerStyle.Render(" shipline watch ") + "  " + valueStyle.Render(title) + "\n"
	content += dimStyle.Render(fmt.Sprintf("task %s   %s   %s", m.taskID, m.client.BaseURL(), lastUpdateStr)) + "\n"

	content += m.renderStages()
	content += m.renderLoop()
	content += m.renderGate()
	content += m.renderEvents()

	switch {
	case m.err != nil:
		content += "\n" + errorStyle.Render("✗ "+m.err.Error()) + "\n"
	case m.notice != "":
		content += "\n" + healthyStyle.Render("✓ "+m.notice) + "\n"
	}
	if m.streamEnded {
		content += dimStyle.Render("event stream ended") + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[a/x]") + footerStyle.Render(" approve/reject  ") +
		footerKeyStyle.Render("[c]") + footerStyle.Render(" cancel  ") +
		footerKeyStyle.Render("[t]") + footerStyle.Render(" retry  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}

func (m Model) renderStages() string {
	out := "\n" + sectionStyle.Render("┃ Stages") + "\n"
	if m.status == nil {
		return out + dimStyle.Render("  loading...") + "\n"
	}
	now := m.now()
	for _, e := range m.status.Stages {
		marker := "  "
		if e.Stage == m.status.Current {
			marker = activeStyle.Render("› ")
		}
		line := marker + labelStyle.Render(fmt.Sprintf("%-14s", e.Stage)) + " " + FormatStatus(e.Status)
		if e.Attempts > 0 {
			line += dimStyle.Render(fmt.Sprintf("  #%d  %s", e.Attempts, FormatDuration(StageElapsed(e, now))))
		}
		if e.Reason != "" {
			line += "  " + errorStyle.Render(e.Reason)
		}
		out += line + "\n"
	}
	if m.status.Done {
		out += healthyStyle.Render("  ✓ pipeline complete") + "\n"
	}
	return out
}

func (m Model) renderLoop() string {
	if len(m.history) == 0 {
		return ""
	}
	out := "\n" + sectionStyle.Render("┃ Agentic Loop") + "\n"
	out += labelStyle.Render("  Phase: ") + valueStyle.Render(string(m.phase)) +
		labelStyle.Render("  Iteration: ") + valueStyle.Render(fmt.Sprintf("%d", m.iteration)) + "\n"
	out += labelStyle.Render("  Progress: ") + m.loopProgress.ViewAs(m.percent) +
		" " + dimStyle.Render(FormatPercentage(m.percent)) + "\n"
	out += "  " + createSparkline(m.history) + "\n"
	return out
}

func (m Model) renderGate() string {
	if m.status == nil || m.status.PendingGate == nil {
		return ""
	}
	g := m.status.PendingGate
	out := "\n" + sectionStyle.Render("┃ Approval") + "\n"
	out += warningStyle.Render(fmt.Sprintf("  ⏸ %s gate on %s", g.Type, g.Stage)) +
		dimStyle.Render(fmt.Sprintf("  %s, waiting %s", g.ID, FormatDuration(m.now().Sub(g.RequestedAt)))) + "\n"
	return out
}

func (m Model) renderEvents() string {
	out := "\n" + sectionStyle.Render("┃ Events") + "\n"
	if len(m.log) == 0 {
		return out + dimStyle.Render("  no events yet") + "\n"
	}
	lines := make([]string, 0, len(m.log))
	for _, ev := range m.log {
		line := "  " + FormatEvent(ev)
		if ev.Kind == events.KindError {
			line = errorStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return out + strings.Join(lines, "\n") + "\n"
}
