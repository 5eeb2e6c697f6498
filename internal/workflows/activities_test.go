package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

type fakeDriver struct {
	entries   map[pipeline.Stage]*pipeline.StageEntry
	execErr   error
	execTo    pipeline.StageStatus
	startErr  error
	cancelled []string
	resolved  []string
	decisions []GateDecision
}

func newFakeDriver() *fakeDriver {
	d := &fakeDriver{entries: map[pipeline.Stage]*pipeline.StageEntry{}}
	for _, s := range pipeline.AllStages() {
		d.entries[s] = &pipeline.StageEntry{TaskID: testTask, Stage: s, Status: pipeline.StatusPending}
	}
	d.entries[pipeline.StageTriage].Status = pipeline.StatusInProgress
	d.entries[pipeline.StageTriage].Attempts = 1
	return d
}

func (d *fakeDriver) ExecuteStage(_ context.Context, _ string, stage pipeline.Stage) error {
	if d.execTo != "" {
		d.entries[stage].Status = d.execTo
		if d.execTo == pipeline.StatusFailed {
			d.entries[stage].Reason = pipeline.ReasonOf(d.execErr)
		}
	}
	return d.execErr
}

func (d *fakeDriver) StartStage(_ context.Context, _ string, stage pipeline.Stage) (*pipeline.StageEntry, error) {
	if d.startErr != nil {
		return nil, d.startErr
	}
	e := d.entries[stage]
	e.Status = pipeline.StatusInProgress
	e.Attempts++
	return e.Clone(), nil
}

func (d *fakeDriver) Stage(_ context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error) {
	if taskID != testTask {
		return nil, pipeline.NewError("get_stage", pipeline.ErrNotFound, taskID, stage, "task not found", nil)
	}
	return d.entries[stage].Clone(), nil
}

func (d *fakeDriver) Cancel(_ context.Context, taskID string) (*pipeline.StageEntry, error) {
	d.cancelled = append(d.cancelled, taskID)
	return &pipeline.StageEntry{}, nil
}

func (d *fakeDriver) ResolveIssue(_ context.Context, _, issueID string) (*pipeline.Issue, error) {
	if issueID == "missing" {
		return nil, pipeline.NewError("resolve_issue", pipeline.ErrNotFound, testTask, pipeline.StageCodeReview, "issue missing not found", nil)
	}
	d.resolved = append(d.resolved, issueID)
	return &pipeline.Issue{ID: issueID, Resolved: true}, nil
}

func (d *fakeDriver) Resolve(_ context.Context, gateID string, approved bool, notes string) (*pipeline.Gate, error) {
	if gateID == "resolved" {
		return nil, pipeline.NewError("resolve", pipeline.ErrConflict, testTask, "", "gate already resolved", nil)
	}
	d.decisions = append(d.decisions, GateDecision{GateID: gateID, Approved: approved, Notes: notes})
	return &pipeline.Gate{ID: gateID}, nil
}

func newActivityEnv(t *testing.T, d *fakeDriver) (*testsuite.TestActivityEnvironment, *Activities) {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	acts := &Activities{Driver: d, Gates: d, HeartbeatEvery: time.Millisecond}
	env.RegisterActivity(acts)
	return env, acts
}

func TestExecuteStage_Completed(t *testing.T) {
	d := newFakeDriver()
	d.execTo = pipeline.StatusCompleted
	env, acts := newActivityEnv(t, d)

	v, err := env.ExecuteActivity(acts.ExecuteStage, ref(pipeline.StageTriage))
	require.NoError(t, err)
	var out StageOutcome
	require.NoError(t, v.Get(&out))
	assert.Equal(t, pipeline.StatusCompleted, out.Status)
	assert.Equal(t, 1, out.Attempts)
}

func TestExecuteStage_FailureIsOutcome(t *testing.T) {
	d := newFakeDriver()
	d.execTo = pipeline.StatusFailed
	d.execErr = pipeline.NewError("triage", pipeline.ErrAdapterFailure, testTask, pipeline.StageTriage, "triage failed: timeout", nil)
	env, acts := newActivityEnv(t, d)

	v, err := env.ExecuteActivity(acts.ExecuteStage, ref(pipeline.StageTriage))
	require.NoError(t, err)
	var out StageOutcome
	require.NoError(t, v.Get(&out))
	assert.Equal(t, pipeline.StatusFailed, out.Status)
	assert.Equal(t, "triage failed: timeout", out.Reason)
}

func TestExecuteStage_NotTakenIsError(t *testing.T) {
	d := newFakeDriver()
	d.execErr = pipeline.NewError("execute_stage", pipeline.ErrConflict, testTask, pipeline.StageTriage, "runner in flight", nil)
	env, acts := newActivityEnv(t, d)

	_, err := env.ExecuteActivity(acts.ExecuteStage, ref(pipeline.StageTriage))
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeConflict, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestStageStatus_UnknownTask(t *testing.T) {
	env, acts := newActivityEnv(t, newFakeDriver())

	_, err := env.ExecuteActivity(acts.StageStatus, StageRef{TaskID: "nope", Stage: pipeline.StageTriage})
	require.Error(t, err)
	assert.True(t, isApplicationErrorType(err, ErrTypeNotFound))
}

func TestStartStage(t *testing.T) {
	d := newFakeDriver()
	d.entries[pipeline.StageTriage].Status = pipeline.StatusFailed
	env, acts := newActivityEnv(t, d)

	v, err := env.ExecuteActivity(acts.StartStage, ref(pipeline.StageTriage))
	require.NoError(t, err)
	var out StageOutcome
	require.NoError(t, v.Get(&out))
	assert.Equal(t, pipeline.StatusInProgress, out.Status)
	assert.Equal(t, 2, out.Attempts)

	d.startErr = pipeline.NewError("start_stage", pipeline.ErrInvalidTransition, testTask, pipeline.StageTriage, "stage already completed", nil)
	_, err = env.ExecuteActivity(acts.StartStage, ref(pipeline.StageTriage))
	assert.True(t, isApplicationErrorType(err, ErrTypeInvalidTransition))
}

func TestSignalActivities(t *testing.T) {
	d := newFakeDriver()
	env, acts := newActivityEnv(t, d)

	_, err := env.ExecuteActivity(acts.ResolveGate, GateDecision{GateID: "gate-1", Approved: true, Notes: "ok"})
	require.NoError(t, err)
	assert.Equal(t, []GateDecision{{GateID: "gate-1", Approved: true, Notes: "ok"}}, d.decisions)

	_, err = env.ExecuteActivity(acts.ResolveGate, GateDecision{GateID: "resolved"})
	assert.True(t, isApplicationErrorType(err, ErrTypeConflict))

	_, err = env.ExecuteActivity(acts.ResolveIssue, IssueResolution{TaskID: testTask, IssueID: "issue-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"issue-1"}, d.resolved)

	_, err = env.ExecuteActivity(acts.ResolveIssue, IssueResolution{TaskID: testTask, IssueID: "missing"})
	assert.True(t, isApplicationErrorType(err, ErrTypeNotFound))

	_, err = env.ExecuteActivity(acts.CancelTask, testTask)
	require.NoError(t, err)
	assert.Equal(t, []string{testTask}, d.cancelled)
}

func TestActivityError(t *testing.T) {
	assert.NoError(t, activityError("op", nil))

	plain := activityError("op", errors.New("disk full"))
	var appErr *temporal.ApplicationError
	assert.False(t, errors.As(plain, &appErr))
	assert.EqualError(t, plain, "op: disk full")

	wf := NewWorkflowError("stage triage", ErrorSeverityCritical, errors.New("boom"), "task-1")
	assert.EqualError(t, wf, "stage triage failed: boom (task-1)")
	assert.EqualError(t, NewWorkflowError("x", ErrorSeverityLow, errors.New("y"), ""), "x failed: y")
}
