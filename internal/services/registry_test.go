package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipline/internal/config"
	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
	"github.com/fyrsmithlabs/shipline/internal/redact"
	"github.com/fyrsmithlabs/shipline/internal/tools"
)

// offlineCompleter fails every call, so every judgment takes its fallback.
type offlineCompleter struct{}

func (offlineCompleter) Complete(context.Context, string, string) (string, error) {
	return "", errors.New("offline")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Tools.WorkspaceRoot = t.TempDir()
	return cfg
}

func build(t *testing.T, cfg *config.Config) Registry {
	t.Helper()
	reg, err := Build(context.Background(), cfg, logging.NewNop(), Options{Completer: offlineCompleter{}})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, reg.Close()) })
	return reg
}

func TestBuild_Defaults(t *testing.T) {
	reg := build(t, testConfig(t))

	assert.IsType(t, &ledger.MemoryStore{}, reg.Store())
	assert.IsType(t, &events.Hub{}, reg.Events())
	assert.Equal(t, redact.Nop{}, reg.Scrubber())
	assert.Equal(t, tools.StaticPolicy{}, reg.Policy())
	assert.Equal(t, []string{tools.WorkspaceName}, reg.Tools().Capabilities())
	assert.NotNil(t, reg.Gates())
	assert.NotNil(t, reg.Reasoner())
	assert.NotNil(t, reg.Loop())
	assert.NotNil(t, reg.Coordinator())

	assert.Nil(t, reg.NATS())
	assert.Nil(t, reg.Temporal())
	assert.Nil(t, reg.Launcher())
	assert.Nil(t, reg.TaskHook())

	acts := reg.Activities()
	assert.Same(t, reg.Coordinator(), acts.Driver)
}

func TestBuild_AutoRunsTriage(t *testing.T) {
	reg := build(t, testConfig(t))
	ctx := context.Background()

	sub, err := reg.Events().SubscribeOwner(ctx, "alice")
	require.NoError(t, err)
	defer sub.Close()

	task, err := reg.Coordinator().CreateTask(ctx, coordinator.NewTask{Owner: "alice", Requirements: "Add a health endpoint"})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			require.Equal(t, task.ID, ev.TaskID)
			if ev.Kind == events.KindStageUpdate && ev.Stage == pipeline.StageTriage {
				return
			}
		case <-deadline:
			t.Fatal("no triage stage update")
		}
	}
}

func TestBuild_RedactSecrets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.RedactSecrets = true
	reg := build(t, cfg)

	assert.IsType(t, &redact.GitleaksScrubber{}, reg.Scrubber())
	assert.IsType(t, &events.Redacting{}, reg.Events())
}

func TestBuild_NATSBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Embedded = true
	cfg.NATS.StoreDir = t.TempDir()
	cfg.Store.Backend = config.StoreJetStream
	cfg.Events.Backend = config.EventsNATS
	reg := build(t, cfg)

	require.NotNil(t, reg.NATS())
	assert.True(t, reg.NATS().IsConnected())
	assert.IsType(t, &ledger.KVStore{}, reg.Store())
	assert.IsType(t, &events.NATSBroadcaster{}, reg.Events())

	ctx := context.Background()
	task, err := reg.Coordinator().CreateTask(ctx, coordinator.NewTask{Owner: "bob", Requirements: "Ship it"})
	require.NoError(t, err)
	got, err := reg.Store().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Owner)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(context.Background(), nil, nil, Options{})
	assert.ErrorContains(t, err, "config is required")

	cfg := testConfig(t)
	cfg.Tools.WorkspaceRoot = "/does/not/exist"
	_, err = Build(context.Background(), cfg, nil, Options{Completer: offlineCompleter{}})
	assert.ErrorContains(t, err, "tools:")

	cfg = testConfig(t)
	cfg.Tools.MCP = []config.MCPServer{{Name: "broken", Command: "/does/not/exist"}}
	_, err = Build(context.Background(), cfg, nil, Options{Completer: offlineCompleter{}})
	assert.ErrorContains(t, err, "mcp server broken")

	cfg = testConfig(t)
	cfg.Tools.Git.Enabled = true
	_, err = Build(context.Background(), cfg, nil, Options{Completer: offlineCompleter{}})
	assert.ErrorContains(t, err, "open repository")
}
