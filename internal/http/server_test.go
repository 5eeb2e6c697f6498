package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/shipline/internal/approval"
	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

type testServer struct {
	*Server
	store *ledger.MemoryStore
	hub   *events.Hub
	gates *approval.Manager
	coord *coordinator.Coordinator
	log   *logging.TestLogger
}

func setupTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	ts := &testServer{
		store: ledger.NewMemoryStore(),
		hub:   events.NewHub(events.WithBuffer(64)),
		log:   logging.NewTestLogger(),
	}
	var err error
	ts.gates, err = approval.NewManager(ts.store, ts.hub)
	require.NoError(t, err)
	ts.coord, err = coordinator.New(ts.store, ts.hub, coordinator.WithLogger(ts.log.Logger))
	require.NoError(t, err)
	ts.Server, err = NewServer(ts.coord, ts.gates, ts.hub, ts.log.Logger, &Config{KeepAlive: 20 * time.Millisecond}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ts.coord.Close()
		ts.hub.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createTask(t *testing.T) *pipeline.Task {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Owner: "alice", Requirements: "Add /healthz"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp CreateTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Task
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer(t *testing.T) {
	store := ledger.NewMemoryStore()
	hub := events.NewHub()
	gates, err := approval.NewManager(store, hub)
	require.NoError(t, err)
	coord, err := coordinator.New(store, hub)
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	log := logging.NewNop()

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(coord, gates, hub, log, nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", s.config.Host)
		assert.Equal(t, 8088, s.config.Port)
		assert.Equal(t, 15*time.Second, s.config.KeepAlive)
	})

	t.Run("requires collaborators", func(t *testing.T) {
		_, err := NewServer(nil, gates, hub, log, nil)
		assert.ErrorContains(t, err, "pipeline is required")
		_, err = NewServer(coord, nil, hub, log, nil)
		assert.ErrorContains(t, err, "gates are required")
		_, err = NewServer(coord, gates, nil, log, nil)
		assert.ErrorContains(t, err, "broadcaster is required")
		_, err = NewServer(coord, gates, hub, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestCreateTask(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("creates the task and starts triage", func(t *testing.T) {
		task := ts.createTask(t)
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, "Add /healthz", task.Title)

		rec := ts.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var st TaskStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		require.Len(t, st.Stages, 5)
		assert.Equal(t, pipeline.StageTriage, st.Current)
		assert.Equal(t, pipeline.StatusInProgress, st.Stages[0].Status)
		assert.False(t, st.Done)
		assert.Nil(t, st.PendingGate)
	})

	t.Run("validates the body", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Requirements: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "owner field is required", decodeError(t, rec).Error)

		rec = ts.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Owner: "alice"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		rec = httptest.NewRecorder()
		ts.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCreateTask_Hook(t *testing.T) {
	var started []string
	ts := setupTestServer(t, WithTaskHook(func(_ context.Context, task *pipeline.Task) error {
		started = append(started, task.ID)
		return errors.New("temporal unavailable")
	}))

	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Owner: "alice", Requirements: "x"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp CreateTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{resp.Task.ID}, started)
	assert.Equal(t, "temporal unavailable", resp.Warning)
	ts.log.AssertLogged(t, zapcore.ErrorLevel, "task hook failed")
	ts.log.AssertTaskCorrelation(t, "task hook failed", resp.Task.ID)
}

func TestErrorMapping(t *testing.T) {
	ts := setupTestServer(t)
	task := ts.createTask(t)
	base := "/api/v1/tasks/" + task.ID

	t.Run("unknown task is 404", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/tasks/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not found", decodeError(t, rec).Kind)
	})

	t.Run("out of order start is 422", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, base+"/stages/agentic_loop/start", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "invalid transition", resp.Kind)
		assert.Contains(t, resp.Reason, "is not completed")
	})

	t.Run("unknown stage is 400", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, base+"/stages/deploy/start", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cancel then retry then conflict", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, base+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var entry pipeline.StageEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
		assert.Equal(t, pipeline.StatusFailed, entry.Status)
		assert.Equal(t, pipeline.ReasonCancelled, entry.Reason)

		rec = ts.do(t, http.MethodPost, base+"/cancel", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = ts.do(t, http.MethodPost, base+"/stages/triage/start", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
		assert.Equal(t, 2, entry.Attempts)

		rec = ts.do(t, http.MethodPost, base+"/stages/triage/start", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("internal errors hide details", func(t *testing.T) {
		var he *echo.HTTPError
		require.ErrorAs(t, apiError(errors.New("dial tcp 10.0.0.1: refused")), &he)
		assert.Equal(t, http.StatusInternalServerError, he.Code)
		assert.Equal(t, ErrorResponse{Error: "internal error"}, he.Message)
	})
}

func TestGates(t *testing.T) {
	ts := setupTestServer(t)
	task := ts.createTask(t)
	ctx := context.Background()

	h, err := ts.gates.Request(ctx, task, pipeline.StageTriage, pipeline.GateClarification, pipeline.Blob{})
	require.NoError(t, err)
	gateID := h.Gate().ID

	rec := ts.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.PendingGate)
	assert.Equal(t, gateID, st.PendingGate.ID)

	rec = ts.do(t, http.MethodGet, "/api/v1/gates/"+gateID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/gates/"+gateID+"/resolve", ResolveGateRequest{Approved: true, Notes: "use sqlite"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var gate pipeline.Gate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gate))
	assert.Equal(t, pipeline.GateApproved, gate.Status)
	assert.Equal(t, "use sqlite", gate.Notes)

	decision, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, decision.Approved)

	rec = ts.do(t, http.MethodPost, "/api/v1/gates/"+gateID+"/resolve", ResolveGateRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/gates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var gates []pipeline.Gate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gates))
	assert.Len(t, gates, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/gates/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssuesAndIterations(t *testing.T) {
	ts := setupTestServer(t)
	task := ts.createTask(t)
	base := "/api/v1/tasks/" + task.ID

	rec := ts.do(t, http.MethodGet, base+"/issues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, base+"/issues/i-1/resolve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, base+"/iterations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, base+"/stages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stages []pipeline.StageEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stages))
	assert.Len(t, stages, 5)
}

func TestRequestID(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
	ts.log.AssertField(t, "http request", "request.id", "req-123")

	ts.log.Reset()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "bad id with spaces")
	rec = httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	for _, e := range ts.log.FilterMessage("http request").All() {
		_, ok := e.ContextMap()["request.id"]
		assert.False(t, ok)
	}
}

func TestMount(t *testing.T) {
	ts := setupTestServer(t)
	var paths []string
	ts.Mount("/mcp", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/mcp", nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodGet, "/mcp/session", nil).Code)
	assert.Equal(t, []string{"/mcp", "/mcp/session"}, paths)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	ts.createTask(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shipline_pipeline_tasks_created_total")
}

func readSSE(t *testing.T, r io.Reader, n int) []string {
	t.Helper()
	var names []string
	sc := bufio.NewScanner(r)
	for len(names) < n && sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestTaskEventStream(t *testing.T) {
	ts := setupTestServer(t)
	task := ts.createTask(t)
	srv := httptest.NewServer(ts.echo)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/" + task.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, ts.hub.Publish(ctx, events.Log(task, pipeline.StageTriage, "info", "thinking")))
	require.NoError(t, ts.hub.Publish(ctx, events.Error(task, pipeline.StageTriage, "adapter failure")))

	// The stream ends after the error event.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "event: log\n")
	assert.Contains(t, text, "event: error\n")
	assert.Contains(t, text, `"message":"thinking"`)
	assert.Contains(t, text, "id: "+task.ID+"/")
	assert.Less(t, strings.Index(text, "event: log"), strings.Index(text, "event: error"))
}

func TestTaskEventStream_UnknownTask(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/tasks/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOwnerEventStream(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts.echo)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/owners/alice/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	first := ts.createTask(t)
	second := ts.createTask(t)
	require.NotEqual(t, first.ID, second.ID)

	names := readSSE(t, resp.Body, 2)
	assert.Equal(t, []string{"stage_update", "stage_update"}, names)
	cancel()

	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWriteEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	ts := setupTestServer(t)
	c := ts.echo.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	ev := events.Event{TaskID: "t1", Seq: 3, Kind: events.KindProgress, Message: "step 1"}
	require.NoError(t, writeEvent(c.Response(), ev))
	out := rec.Body.String()
	assert.True(t, strings.HasPrefix(out, "id: t1/3\nevent: progress\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "}\n\n"))
}
