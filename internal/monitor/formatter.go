package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// FormatStatus renders a stage status as a colored badge.
func FormatStatus(status pipeline.StageStatus) string {
	switch status {
	case pipeline.StatusCompleted:
		return healthyStyle.Render("✓ completed")
	case pipeline.StatusInProgress:
		return activeStyle.Render("▶ in progress")
	case pipeline.StatusWaitingApproval:
		return warningStyle.Render("⏸ waiting")
	case pipeline.StatusFailed:
		return errorStyle.Render("✗ failed")
	default:
		return dimStyle.Render("· pending")
	}
}

// FormatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// StageElapsed reports how long a stage has run, or ran. Pending stages
// report zero.
func StageElapsed(e *pipeline.StageEntry, now time.Time) time.Duration {
	if e == nil || e.StartedAt.IsZero() {
		return 0
	}
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return now.Sub(e.StartedAt)
}

// FormatEvent renders one event as a single plain line.
func FormatEvent(ev events.Event) string {
	var b strings.Builder
	b.WriteString(ev.Timestamp.Local().Format("15:04:05"))
	fmt.Fprintf(&b, " %-12s", ev.Kind)
	if ev.Stage != "" {
		fmt.Fprintf(&b, " [%s]", ev.Stage)
	}
	switch ev.Kind {
	case events.KindStageUpdate:
		fmt.Fprintf(&b, " %s", ev.Status)
	case events.KindProgress:
		fmt.Fprintf(&b, " %s #%d %d%%", ev.Phase, ev.Iteration, ev.Percent)
	case events.KindLog:
		if ev.Level != "" {
			fmt.Fprintf(&b, " %s", ev.Level)
		}
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " %s", ev.Message)
	}
	if ev.GateID != "" {
		fmt.Fprintf(&b, " (gate %s)", ev.GateID)
	}
	return b.String()
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.0f%%", ratio*100)
}
