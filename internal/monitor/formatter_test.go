package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		d        time.Duration
		expected string
	}{
		{"zero", 0, "0s"},
		{"sub_second", 400 * time.Millisecond, "0s"},
		{"seconds", 42 * time.Second, "42s"},
		{"minutes", 3*time.Minute + 5*time.Second, "3m 5s"},
		{"hours", 2*time.Hour + 15*time.Minute + 9*time.Second, "2h 15m"},
		{"negative", -time.Minute, "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.d))
		})
	}
}

func TestFormatStatus(t *testing.T) {
	tests := []struct {
		status   pipeline.StageStatus
		expected string
	}{
		{pipeline.StatusCompleted, "completed"},
		{pipeline.StatusInProgress, "in progress"},
		{pipeline.StatusWaitingApproval, "waiting"},
		{pipeline.StatusFailed, "failed"},
		{pipeline.StatusPending, "pending"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Contains(t, FormatStatus(tt.status), tt.expected)
		})
	}
}

func TestStageElapsed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	started := now.Add(-5 * time.Minute)
	done := started.Add(time.Minute)

	assert.Zero(t, StageElapsed(nil, now))
	assert.Zero(t, StageElapsed(&pipeline.StageEntry{}, now))
	assert.Equal(t, 5*time.Minute, StageElapsed(&pipeline.StageEntry{StartedAt: started}, now))
	assert.Equal(t, time.Minute, StageElapsed(&pipeline.StageEntry{StartedAt: started, CompletedAt: &done}, now))
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	tests := []struct {
		name     string
		ev       events.Event
		contains []string
	}{
		{
			name:     "stage_update",
			ev:       events.Event{Timestamp: ts, Kind: events.KindStageUpdate, Stage: pipeline.StageTriage, Status: pipeline.StatusCompleted, Message: "stage completed"},
			contains: []string{"12:00:00", "stage_update", "[triage]", "completed", "stage completed"},
		},
		{
			name:     "progress",
			ev:       events.Event{Timestamp: ts, Kind: events.KindProgress, Stage: pipeline.StageAgenticLoop, Phase: pipeline.PhaseExecution, Iteration: 1, Percent: 40},
			contains: []string{"progress", "[agentic_loop]", "execution #1 40%"},
		},
		{
			name:     "log",
			ev:       events.Event{Timestamp: ts, Kind: events.KindLog, Level: "warn", Message: "slow adapter"},
			contains: []string{"log", "warn slow adapter"},
		},
		{
			name:     "gate",
			ev:       events.Event{Timestamp: ts, Kind: events.KindStageUpdate, Stage: pipeline.StageCodeReview, Status: pipeline.StatusWaitingApproval, GateID: "g1"},
			contains: []string{"waiting_approval", "(gate g1)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := FormatEvent(tt.ev)
			for _, s := range tt.contains {
				assert.Contains(t, line, s)
			}
		})
	}
}

func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "0%", FormatPercentage(0))
	assert.Equal(t, "45%", FormatPercentage(0.45))
	assert.Equal(t, "100%", FormatPercentage(1))
}
