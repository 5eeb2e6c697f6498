package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipline/internal/approval"
	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

type harness struct {
	store *ledger.MemoryStore
	hub   *events.Hub
	gates *approval.Manager
	coord *Coordinator
	log   *logging.TestLogger
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: ledger.NewMemoryStore(),
		hub:   events.NewHub(events.WithBuffer(256)),
		log:   logging.NewTestLogger(),
	}
	var err error
	h.gates, err = approval.NewManager(h.store, h.hub)
	require.NoError(t, err)
	h.coord, err = New(h.store, h.hub, append([]Option{WithLogger(h.log.Logger)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.coord.Close()
		h.hub.Close()
	})
	return h
}

func (h *harness) create(t *testing.T) *pipeline.Task {
	t.Helper()
	task, err := h.coord.CreateTask(context.Background(), NewTask{Owner: "alice", Requirements: "Add a health endpoint\nGET /healthz returns 200"})
	require.NoError(t, err)
	return task
}

func (h *harness) status(t *testing.T, taskID string, stage pipeline.Stage) pipeline.StageStatus {
	t.Helper()
	e, err := h.coord.Stage(context.Background(), taskID, stage)
	require.NoError(t, err)
	return e.Status
}

// advance completes every stage before upto.
func (h *harness) advance(t *testing.T, taskID string, upto pipeline.Stage) {
	t.Helper()
	for _, s := range pipeline.AllStages() {
		if s == upto {
			return
		}
		require.NoError(t, h.coord.CompleteStage(context.Background(), taskID, s, pipeline.Blob{}))
	}
}

// collect drains events until the subscription goes quiet.
func collect(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func reviewBlob(t *testing.T, issues ...pipeline.Issue) pipeline.Blob {
	t.Helper()
	b, err := encodeMetadata(SchemaCodeReview, ReviewMetadata{Summary: "reviewed", Issues: issues})
	require.NoError(t, err)
	return b
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, events.NewHub())
	assert.Error(t, err)
	_, err = New(ledger.NewMemoryStore(), nil)
	assert.Error(t, err)
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t)
	sub, err := h.hub.SubscribeOwner(context.Background(), "alice")
	require.NoError(t, err)
	defer sub.Close()

	task := h.create(t)
	assert.Equal(t, "Add a health endpoint", task.Title)

	entries, err := h.coord.Stages(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, pipeline.AllStages()[i], e.Stage)
	}
	assert.Equal(t, pipeline.StatusInProgress, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)
	for _, e := range entries[1:] {
		assert.Equal(t, pipeline.StatusPending, e.Status)
	}

	evs := collect(sub)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.KindStageUpdate, evs[0].Kind)
	assert.Equal(t, pipeline.StageTriage, evs[0].Stage)
	assert.Equal(t, pipeline.StatusInProgress, evs[0].Status)

	h.log.AssertTaskCorrelation(t, "task created", task.ID)
}

func TestCreateTask_RequiresOwnerAndRequirements(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.CreateTask(context.Background(), NewTask{Requirements: "x"})
	assert.Error(t, err)
	_, err = h.coord.CreateTask(context.Background(), NewTask{Owner: "alice", Requirements: "  "})
	assert.Error(t, err)
}

func TestStartStage_OutOfOrder(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)
	ctx := context.Background()

	for _, s := range []pipeline.Stage{pipeline.StageTaskCreation, pipeline.StageAgenticLoop, pipeline.StagePrCreation} {
		_, err := h.coord.StartStage(ctx, task.ID, s)
		assert.ErrorIs(t, err, pipeline.ErrInvalidTransition, s)
		assert.Equal(t, pipeline.StatusPending, h.status(t, task.ID, s))
	}

	_, err := h.coord.StartStage(ctx, task.ID, pipeline.Stage("Deploy"))
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestStartStage_ActiveStageConflicts(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	_, err := h.coord.StartStage(context.Background(), task.ID, pipeline.StageTriage)
	assert.ErrorIs(t, err, pipeline.ErrConflict)
}

func TestStartStage_CompletedStageRejected(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)
	h.advance(t, task.ID, pipeline.StageTaskCreation)

	_, err := h.coord.StartStage(context.Background(), task.ID, pipeline.StageTriage)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestCompleteStage_AdvancesThroughPipeline(t *testing.T) {
	h := newHarness(t)
	sub, err := h.hub.SubscribeOwner(context.Background(), "alice")
	require.NoError(t, err)
	defer sub.Close()

	task := h.create(t)
	h.advance(t, task.ID, "")

	entries, err := h.coord.Stages(context.Background(), task.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, pipeline.StatusCompleted, e.Status, e.Stage)
		require.NotNil(t, e.CompletedAt)
		assert.False(t, e.CompletedAt.Before(e.StartedAt))
	}

	evs := collect(sub)
	var completes []pipeline.Stage
	var last uint64
	for _, ev := range evs {
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		if ev.Kind == events.KindComplete {
			completes = append(completes, ev.Stage)
		}
	}
	assert.Equal(t, []pipeline.Stage{
		pipeline.StageTriage, pipeline.StageTaskCreation, pipeline.StageAgenticLoop,
		pipeline.StageCodeReview, pipeline.StagePrCreation, "",
	}, completes)
}

func TestCompleteStage_NotActive(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	err := h.coord.CompleteStage(context.Background(), task.ID, pipeline.StageAgenticLoop, pipeline.Blob{})
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestCompleteStage_KeepsRecordedMetadata(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)
	ctx := context.Background()

	meta, err := encodeMetadata(SchemaTriage, TriageMetadata{Source: "parsed"})
	require.NoError(t, err)
	require.NoError(t, h.coord.CompleteStage(ctx, task.ID, pipeline.StageTriage, meta))

	e, err := h.coord.Stage(ctx, task.ID, pipeline.StageTriage)
	require.NoError(t, err)
	var tm TriageMetadata
	require.True(t, decodeEntry(e, SchemaTriage, &tm))
	assert.Equal(t, "parsed", tm.Source)
}

func TestCompleteStage_PendingGateBlocks(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)
	ctx := context.Background()

	_, err := h.gates.Request(ctx, task, pipeline.StageTriage, pipeline.GateClarification, pipeline.Blob{})
	require.NoError(t, err)

	err = h.coord.CompleteStage(ctx, task.ID, pipeline.StageTriage, pipeline.Blob{})
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
	assert.Equal(t, pipeline.StatusInProgress, h.status(t, task.ID, pipeline.StageTriage))
}

func TestCompleteStage_CodeReviewRequiresResolvedIssues(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)
	ctx := context.Background()
	h.advance(t, task.ID, pipeline.StageCodeReview)

	blob := reviewBlob(t,
		pipeline.Issue{ID: "i1", Severity: pipeline.SeverityMajor, Title: "missing test"},
		pipeline.Issue{ID: "i2", Severity: pipeline.SeverityMinor, Title: "naming"},
	)
	err := h.coord.CompleteStage(ctx, task.ID, pipeline.StageCodeReview, blob)
	require.ErrorIs(t, err, pipeline.ErrUnresolvedIssues)
	assert.Contains(t, err.Error(), "1 unresolved blocking issues")
	assert.Equal(t, pipeline.StatusInProgress, h.status(t, task.ID, pipeline.StageCodeReview))

	minorOnly := reviewBlob(t, pipeline.Issue{ID: "i2", Severity: pipeline.SeverityMinor})
	require.NoError(t, h.coord.CompleteStage(ctx, task.ID, pipeline.StageCodeReview, minorOnly))
	assert.Equal(t, pipeline.StatusInProgress, h.status(t, task.ID, pipeline.StagePrCreation))
}

func TestFailStage_AndRetry(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)
	ctx := context.Background()

	require.NoError(t, h.coord.FailStage(ctx, task.ID, pipeline.StageTriage, "adapter down"))
	e, err := h.coord.Stage(ctx, task.ID, pipeline.StageTriage)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, e.Status)
	assert.Equal(t, "adapter down", e.Reason)

	err = h.coord.FailStage(ctx, task.ID, pipeline.StageTriage, "again")
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)

	sub, err := h.hub.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer sub.Close()

	e, err = h.coord.StartStage(ctx, task.ID, pipeline.StageTriage)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusInProgress, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Empty(t, e.Reason)

	evs := collect(sub)
	require.NotEmpty(t, evs)
	assert.Equal(t, "stage retried (attempt 2)", evs[0].Message)
}

func TestFailStage_DefaultReason(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	require.NoError(t, h.coord.FailStage(context.Background(), task.ID, pipeline.StageTriage, ""))
	e, err := h.coord.Stage(context.Background(), task.ID, pipeline.StageTriage)
	require.NoError(t, err)
	assert.Equal(t, "unspecified failure", e.Reason)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)
	ctx := context.Background()
	h.advance(t, task.ID, pipeline.StageAgenticLoop)

	e, err := h.coord.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageAgenticLoop, e.Stage)
	assert.Equal(t, pipeline.StatusFailed, e.Status)
	assert.Equal(t, pipeline.ReasonCancelled, e.Reason)

	_, err = h.coord.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestQueries_UnknownTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Stages(ctx, "nope")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = h.coord.Iterations(ctx, "nope")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = h.coord.StartStage(ctx, "nope", pipeline.StageTriage)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = h.coord.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestExecuteStage_NoRunner(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	err := h.coord.ExecuteStage(context.Background(), task.ID, pipeline.StageTriage)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestExecuteStage_RunnerOutcomes(t *testing.T) {
	loopErr := pipeline.NewError("agentic_loop", pipeline.ErrIterationExhausted, "", pipeline.StageAgenticLoop, pipeline.ReasonMaxIterations, nil)
	runners := map[pipeline.Stage]Runner{
		pipeline.StageTriage: RunnerFunc(func(ctx context.Context, in *StageInput) (StageResult, error) {
			b, err := encodeMetadata(SchemaTriage, TriageMetadata{Source: "parsed"})
			return StageResult{Metadata: b}, err
		}),
		pipeline.StageTaskCreation: RunnerFunc(func(ctx context.Context, in *StageInput) (StageResult, error) {
			return StageResult{}, nil
		}),
		pipeline.StageAgenticLoop: RunnerFunc(func(ctx context.Context, in *StageInput) (StageResult, error) {
			return StageResult{}, loopErr
		}),
	}
	h := newHarness(t, WithRunners(runners))
	task := h.create(t)
	ctx := context.Background()

	require.NoError(t, h.coord.ExecuteStage(ctx, task.ID, pipeline.StageTriage))
	assert.Equal(t, pipeline.StatusCompleted, h.status(t, task.ID, pipeline.StageTriage))
	assert.Equal(t, pipeline.StatusInProgress, h.status(t, task.ID, pipeline.StageTaskCreation))

	require.NoError(t, h.coord.ExecuteStage(ctx, task.ID, pipeline.StageTaskCreation))

	err := h.coord.ExecuteStage(ctx, task.ID, pipeline.StageAgenticLoop)
	require.ErrorIs(t, err, pipeline.ErrIterationExhausted)
	e, err := h.coord.Stage(ctx, task.ID, pipeline.StageAgenticLoop)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, e.Status)
	assert.Equal(t, pipeline.ReasonMaxIterations, e.Reason)

	err = h.coord.ExecuteStage(ctx, task.ID, pipeline.StageAgenticLoop)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestResolveIssue_CompletesHeldReview(t *testing.T) {
	runners := map[pipeline.Stage]Runner{
		pipeline.StageCodeReview: RunnerFunc(func(ctx context.Context, in *StageInput) (StageResult, error) {
			return StageResult{
				Metadata: reviewBlob(t,
					pipeline.Issue{ID: "i1", Severity: pipeline.SeverityCritical, Title: "sql injection"},
					pipeline.Issue{ID: "i2", Severity: pipeline.SeverityMajor, Title: "no tests"},
					pipeline.Issue{ID: "i3", Severity: pipeline.SeverityInfo, Title: "typo"},
				),
				Hold:    true,
				Message: "2 blocking review issues awaiting resolution",
			}, nil
		}),
	}
	h := newHarness(t, WithRunners(runners))
	task := h.create(t)
	ctx := context.Background()
	h.advance(t, task.ID, pipeline.StageCodeReview)

	require.NoError(t, h.coord.ExecuteStage(ctx, task.ID, pipeline.StageCodeReview))
	assert.Equal(t, pipeline.StatusWaitingApproval, h.status(t, task.ID, pipeline.StageCodeReview))

	err := h.coord.CompleteStage(ctx, task.ID, pipeline.StageCodeReview, pipeline.Blob{})
	assert.ErrorIs(t, err, pipeline.ErrUnresolvedIssues)

	_, err = h.coord.ResolveIssue(ctx, task.ID, "missing")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)

	issue, err := h.coord.ResolveIssue(ctx, task.ID, "i1")
	require.NoError(t, err)
	assert.True(t, issue.Resolved)
	assert.Equal(t, pipeline.StatusWaitingApproval, h.status(t, task.ID, pipeline.StageCodeReview))

	_, err = h.coord.ResolveIssue(ctx, task.ID, "i2")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, h.status(t, task.ID, pipeline.StageCodeReview))
	assert.Equal(t, pipeline.StatusInProgress, h.status(t, task.ID, pipeline.StagePrCreation))

	issues, err := h.coord.Issues(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.True(t, issues[0].Resolved)
	assert.True(t, issues[1].Resolved)
	assert.False(t, issues[2].Resolved)
}

func TestResolveIssue_NoReview(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	_, err := h.coord.ResolveIssue(context.Background(), task.ID, "i1")
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))
}

func TestFirstLine(t *testing.T) {
	long := strings.Repeat("é", 100)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single line", "  Add /healthz  ", "Add /healthz"},
		{"multi line", "Add /healthz\r\nwith tests", "Add /healthz"},
		{"ascii truncated", strings.Repeat("a", 90), strings.Repeat("a", 80)},
		{"multibyte truncated on rune boundary", long, strings.Repeat("é", 80)},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstLine(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
