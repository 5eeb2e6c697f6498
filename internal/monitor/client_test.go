package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipline/internal/approval"
	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/events"
	httpapi "github.com/fyrsmithlabs/shipline/internal/http"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

type apiFixture struct {
	client *Client
	hub    *events.Hub
	gates  *approval.Manager
	coord  *coordinator.Coordinator
}

// newAPIFixture serves the real HTTP API over an in-memory pipeline with
// no stage runners, so stages only move when a test moves them.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	hub := events.NewHub(events.WithBuffer(64))
	gates, err := approval.NewManager(store, hub)
	require.NoError(t, err)
	coord, err := coordinator.New(store, hub)
	require.NoError(t, err)
	srv, err := httpapi.NewServer(coord, gates, hub, logging.NewNop(), &httpapi.Config{KeepAlive: 20 * time.Millisecond})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		coord.Close()
		hub.Close()
	})
	return &apiFixture{client: NewClient(ts.URL + "/"), hub: hub, gates: gates, coord: coord}
}

func TestClient_TaskLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	health, err := f.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	created, err := f.client.CreateTask(ctx, httpapi.CreateTaskRequest{Owner: "alice", Requirements: "Add /healthz\nwith tests"})
	require.NoError(t, err)
	task := created.Task
	require.NotNil(t, task)
	assert.Equal(t, "Add /healthz", task.Title)

	st, err := f.client.Task(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageTriage, st.Current)
	assert.Len(t, st.Stages, 5)
	assert.Nil(t, st.PendingGate)

	h, err := f.gates.Request(ctx, task, pipeline.StageTriage, pipeline.GateClarification, pipeline.Blob{})
	require.NoError(t, err)
	st, err = f.client.Task(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, st.PendingGate)
	assert.Equal(t, h.Gate().ID, st.PendingGate.ID)

	gate, err := f.client.ResolveGate(ctx, h.Gate().ID, true, "go ahead")
	require.NoError(t, err)
	assert.Equal(t, pipeline.GateApproved, gate.Status)

	entry, err := f.client.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, entry.Status)
	assert.Equal(t, pipeline.ReasonCancelled, entry.Reason)

	entry, err = f.client.StartStage(ctx, task.ID, pipeline.StageTriage)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempts)

	issues, err := f.client.Issues(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, issues)

	its, err := f.client.Iterations(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, its)
}

func TestClient_APIError(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.client.Task(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "404")

	_, err = f.client.CreateTask(ctx, httpapi.CreateTaskRequest{Owner: "alice"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	_, err = NewClient("http://127.0.0.1:1").Health(ctx)
	assert.ErrorContains(t, err, "request failed")
}

func TestClient_StreamTask(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	created, err := f.client.CreateTask(ctx, httpapi.CreateTaskRequest{Owner: "alice", Requirements: "x"})
	require.NoError(t, err)
	task := created.Task

	var got []events.Event
	done := make(chan error, 1)
	go func() {
		done <- f.client.StreamTask(ctx, task.ID, func(ev events.Event) error {
			got = append(got, ev)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.hub.Publish(ctx, events.Progress(task, pipeline.StageAgenticLoop, pipeline.PhaseExecution, 1, 40, "step 2/5")))
	require.NoError(t, f.hub.Publish(ctx, events.Error(task, pipeline.StageAgenticLoop, "adapter failure")))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the error event")
	}
	require.Len(t, got, 2)
	assert.Equal(t, events.KindProgress, got[0].Kind)
	assert.Equal(t, 40, got[0].Percent)
	assert.Equal(t, events.KindError, got[1].Kind)
	assert.Less(t, got[0].Seq, got[1].Seq)
}

func TestClient_StreamCallbackError(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	stop := errors.New("enough")
	done := make(chan error, 1)
	go func() {
		done <- f.client.StreamOwner(ctx, "alice", func(events.Event) error { return stop })
	}()
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	_, err := f.client.CreateTask(ctx, httpapi.CreateTaskRequest{Owner: "alice", Requirements: "x"})
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, stop)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestReadEvents(t *testing.T) {
	raw := ": keep-alive\n\n" +
		"id: t1/1\nevent: log\ndata: {\"task_id\":\"t1\",\"seq\":1,\"kind\":\"log\",\"message\":\"hi\"}\n\n" +
		"event: complete\ndata: {\"task_id\":\"t1\",\n" +
		"data: \"seq\":2,\"kind\":\"complete\"}\n\n"

	var got []events.Event
	require.NoError(t, readEvents(strings.NewReader(raw), func(ev events.Event) error {
		got = append(got, ev)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Message)
	assert.Equal(t, events.KindComplete, got[1].Kind)
	assert.Equal(t, uint64(2), got[1].Seq)

	err := readEvents(strings.NewReader("data: {not json\n\n"), func(events.Event) error { return nil })
	assert.ErrorContains(t, err, "failed to decode event")
}
