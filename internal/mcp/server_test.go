package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/approval"
	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
	"github.com/fyrsmithlabs/shipline/internal/redact"
)

type fixture struct {
	server  *Server
	session *mcp.ClientSession
	coord   *coordinator.Coordinator
	gates   *approval.Manager
}

// fixedScrubber redacts one fixed token so tests can see scrubbing happen.
type fixedScrubber struct{}

func (fixedScrubber) Scrub(content string) (string, int) {
	if content == "ghp_secret" {
		return "[REDACTED]", 1
	}
	return content, 0
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	hub := events.NewHub(events.WithBuffer(64))
	gates, err := approval.NewManager(store, hub)
	require.NoError(t, err)
	coord, err := coordinator.New(store, hub)
	require.NoError(t, err)
	t.Cleanup(func() {
		coord.Close()
		hub.Close()
	})

	s, err := NewServer(cfg, coord, gates, fixedScrubber{})
	require.NoError(t, err)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return &fixture{server: s, session: cs, coord: coord, gates: gates}
}

// call invokes a tool and decodes its structured output into out. It
// returns the tool error text when the call reports IsError.
func (f *fixture) call(t *testing.T, name string, args map[string]any, out any) string {
	t.Helper()
	res, err := f.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if res.IsError {
		require.NotEmpty(t, res.Content)
		text, ok := res.Content[0].(*mcp.TextContent)
		require.True(t, ok)
		return text.Text
	}
	if out != nil {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return ""
}

func TestNewServer(t *testing.T) {
	store := ledger.NewMemoryStore()
	hub := events.NewHub()
	gates, err := approval.NewManager(store, hub)
	require.NoError(t, err)
	coord, err := coordinator.New(store, hub)
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	t.Run("successful creation", func(t *testing.T) {
		s, err := NewServer(nil, coord, gates, redact.Nop{})
		require.NoError(t, err)
		assert.Equal(t, 5+1, s.toolRegistry.Count())
	})

	t.Run("missing collaborators", func(t *testing.T) {
		_, err := NewServer(DefaultConfig(), nil, gates, redact.Nop{})
		assert.ErrorContains(t, err, "pipeline is required")
		_, err = NewServer(DefaultConfig(), coord, nil, redact.Nop{})
		assert.ErrorContains(t, err, "gates are required")
		_, err = NewServer(DefaultConfig(), coord, gates, nil)
		assert.ErrorContains(t, err, "scrubber is required")
	})
}

func TestHTTPHandler(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.HTTPHandler())
	defer srv.Close()

	ctx := context.Background()
	client := mcp.NewClient(&mcp.Implementation{Name: "http-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL}, nil)
	require.NoError(t, err)
	defer cs.Close()

	res, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, res.Tools, 6)
}

func TestListTools(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"pipeline_start", "pipeline_status", "pipeline_cancel",
		"gate_resolve", "issue_resolve", "tool_search",
	}, names)
}

func TestPipelineStartAndStatus(t *testing.T) {
	var hooked []string
	f := newFixture(t, &Config{
		Name:   "shipline-test",
		Logger: zap.NewNop(),
		OnCreate: func(_ context.Context, task *pipeline.Task) error {
			hooked = append(hooked, task.ID)
			return nil
		},
	})

	var started pipelineStartOutput
	errText := f.call(t, "pipeline_start", map[string]any{
		"owner":        "alice",
		"requirements": "Add a /healthz endpoint\nwith tests",
	}, &started)
	require.Empty(t, errText)
	require.NotEmpty(t, started.TaskID)
	assert.Equal(t, "Add a /healthz endpoint", started.Title)
	assert.Equal(t, pipeline.StageTriage, started.Stage)
	assert.Equal(t, pipeline.StatusInProgress, started.Status)
	assert.Empty(t, started.Warning)
	assert.Equal(t, []string{started.TaskID}, hooked)

	var status pipelineStatusOutput
	require.Empty(t, f.call(t, "pipeline_status", map[string]any{"task_id": started.TaskID}, &status))
	require.Len(t, status.Stages, 5)
	assert.Equal(t, pipeline.StageTriage, status.Current)
	assert.False(t, status.Done)
	assert.Equal(t, 1, status.Stages[0].Attempts)
	assert.Empty(t, status.PendingGate)
}

func TestPipelineStart_Validation(t *testing.T) {
	f := newFixture(t, nil)
	errText := f.call(t, "pipeline_start", map[string]any{"owner": "alice", "requirements": ""}, nil)
	assert.Contains(t, errText, "requirements are required")
	errText = f.call(t, "pipeline_start", map[string]any{"owner": " ", "requirements": "x"}, nil)
	assert.Contains(t, errText, "owner is required")
}

func TestPipelineStart_HookFailureIsWarning(t *testing.T) {
	f := newFixture(t, &Config{OnCreate: func(context.Context, *pipeline.Task) error {
		return errors.New("ghp_secret")
	}})
	var started pipelineStartOutput
	require.Empty(t, f.call(t, "pipeline_start", map[string]any{"owner": "alice", "requirements": "x"}, &started))
	assert.Equal(t, "[REDACTED]", started.Warning)
}

func TestPipelineStatus_UnknownTask(t *testing.T) {
	f := newFixture(t, nil)
	errText := f.call(t, "pipeline_status", map[string]any{"task_id": "missing"}, nil)
	assert.Contains(t, errText, "not found")
	errText = f.call(t, "pipeline_status", map[string]any{"task_id": ""}, nil)
	assert.Contains(t, errText, "task_id is required")
}

func TestPipelineCancel(t *testing.T) {
	f := newFixture(t, nil)
	var started pipelineStartOutput
	require.Empty(t, f.call(t, "pipeline_start", map[string]any{"owner": "alice", "requirements": "x"}, &started))

	var cancelled pipelineCancelOutput
	require.Empty(t, f.call(t, "pipeline_cancel", map[string]any{"task_id": started.TaskID}, &cancelled))
	assert.Equal(t, pipeline.StageTriage, cancelled.Stage)
	assert.Equal(t, pipeline.StatusFailed, cancelled.Status)
	assert.Equal(t, pipeline.ReasonCancelled, cancelled.Reason)

	// Nothing is active any more.
	errText := f.call(t, "pipeline_cancel", map[string]any{"task_id": started.TaskID}, nil)
	assert.Contains(t, errText, "no active stage")

	var status pipelineStatusOutput
	require.Empty(t, f.call(t, "pipeline_status", map[string]any{"task_id": started.TaskID}, &status))
	assert.Equal(t, pipeline.StageTriage, status.Current)
	assert.Equal(t, pipeline.ReasonCancelled, status.Stages[0].Reason)
}

func TestGateResolve(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var started pipelineStartOutput
	require.Empty(t, f.call(t, "pipeline_start", map[string]any{"owner": "alice", "requirements": "x"}, &started))
	task, err := f.coord.Task(ctx, started.TaskID)
	require.NoError(t, err)

	h, err := f.gates.Request(ctx, task, pipeline.StageTriage, pipeline.GateClarification, pipeline.Blob{})
	require.NoError(t, err)

	var status pipelineStatusOutput
	require.Empty(t, f.call(t, "pipeline_status", map[string]any{"task_id": task.ID}, &status))
	assert.Equal(t, h.Gate().ID, status.PendingGate)
	assert.Equal(t, pipeline.GateClarification, status.GateType)

	var resolved gateResolveOutput
	require.Empty(t, f.call(t, "gate_resolve", map[string]any{
		"gate_id":  h.Gate().ID,
		"approved": false,
		"notes":    "out of scope",
	}, &resolved))
	assert.Equal(t, pipeline.GateRejected, resolved.Status)
	assert.Equal(t, task.ID, resolved.TaskID)

	decision, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, "out of scope", decision.Notes)

	errText := f.call(t, "gate_resolve", map[string]any{"gate_id": h.Gate().ID, "approved": true}, nil)
	assert.Contains(t, errText, "is rejected")
}

func TestIssueResolve_NoReview(t *testing.T) {
	f := newFixture(t, nil)
	var started pipelineStartOutput
	require.Empty(t, f.call(t, "pipeline_start", map[string]any{"owner": "alice", "requirements": "x"}, &started))

	errText := f.call(t, "issue_resolve", map[string]any{"task_id": started.TaskID, "issue_id": "i-1"}, nil)
	assert.Contains(t, errText, "no review recorded")
	errText = f.call(t, "issue_resolve", map[string]any{"task_id": started.TaskID, "issue_id": ""}, nil)
	assert.Contains(t, errText, "issue_id are required")
}

func TestToolSearch(t *testing.T) {
	f := newFixture(t, nil)

	var out toolSearchOutput
	require.Empty(t, f.call(t, "tool_search", map[string]any{"query": "pipeline_status"}, &out))
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "pipeline_status", out.Results[0].Name)
	assert.Equal(t, 3, out.Results[0].Score)
	assert.Equal(t, 6, out.TotalTools)

	require.Empty(t, f.call(t, "tool_search", map[string]any{"query": "approve", "category": "gate"}, &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "gate_resolve", out.Results[0].Name)

	require.Empty(t, f.call(t, "tool_search", map[string]any{"query": "pipeline", "limit": 1}, &out))
	assert.Equal(t, 1, out.Count)

	errText := f.call(t, "tool_search", map[string]any{"query": ""}, nil)
	assert.Contains(t, errText, "query is required")
}
