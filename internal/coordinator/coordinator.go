// Package coordinator sequences tasks through the five pipeline stages.
//
// The Coordinator is the only writer of Stage Entries. Transitions of one
// task are serialized by a per-task lock and mirrored to the event
// broadcaster in the order they are written. Stage work is delegated to
// Runners; with auto-run enabled, starting a stage dispatches its runner on
// a goroutine, and completing a stage starts the next one.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/shipline/internal/coordinator"

// NewTask describes a task to create.
type NewTask struct {
	Owner        string `json:"owner"`
	Title        string `json:"title"`
	Requirements string `json:"requirements"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRunners registers stage runners.
func WithRunners(runners map[pipeline.Stage]Runner) Option {
	return func(c *Coordinator) {
		for s, r := range runners {
			c.runners[s] = r
		}
	}
}

// WithAutoRun dispatches the runner of every stage that starts. Disable it
// when an external driver calls ExecuteStage.
func WithAutoRun(enabled bool) Option {
	return func(c *Coordinator) { c.autoRun = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator advances tasks through the stage sequence.
type Coordinator struct {
	store   ledger.Store
	events  events.Broadcaster
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
	runners map[pipeline.Stage]Runner
	autoRun bool

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	runs   map[string]*activeRun
	closed bool

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type activeRun struct {
	stage  pipeline.Stage
	cancel context.CancelFunc
}

// New creates a Coordinator.
func New(store ledger.Store, broadcaster events.Broadcaster, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	base, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   store,
		events:  broadcaster,
		logger:  logging.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
		metrics: NewMetrics(),
		now:     func() time.Time { return time.Now().UTC() },
		runners: make(map[pipeline.Stage]Runner),
		locks:   make(map[string]*sync.Mutex),
		runs:    make(map[string]*activeRun),
		base:    base,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close cancels in-flight runners and waits for them to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) taskLock(taskID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[taskID] = l
	}
	return l
}

func (c *Coordinator) logCtx(ctx context.Context, task *pipeline.Task, stage pipeline.Stage) context.Context {
	ctx = logging.WithTask(ctx, task.ID, task.Owner)
	if stage != "" {
		ctx = logging.WithStage(ctx, string(stage))
	}
	return ctx
}

// CreateTask stores a new task with five Pending stage entries and starts
// Triage.
func (c *Coordinator) CreateTask(ctx context.Context, nt NewTask) (*pipeline.Task, error) {
	if strings.TrimSpace(nt.Owner) == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if strings.TrimSpace(nt.Requirements) == "" {
		return nil, fmt.Errorf("requirements are required")
	}
	now := c.now()
	task := &pipeline.Task{
		ID:           uuid.NewString(),
		Owner:        nt.Owner,
		Title:        nt.Title,
		Requirements: nt.Requirements,
		CreatedAt:    now,
	}
	if task.Title == "" {
		task.Title = firstLine(nt.Requirements)
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	for _, s := range pipeline.AllStages() {
		entry := &pipeline.StageEntry{TaskID: task.ID, Stage: s, Status: pipeline.StatusPending, UpdatedAt: now}
		if err := c.store.PutStage(ctx, entry); err != nil {
			return nil, fmt.Errorf("create stage %s: %w", s, err)
		}
	}
	c.metrics.TasksCreated.Inc()
	c.logger.Info(c.logCtx(ctx, task, ""), "task created", zap.String("title", task.Title))

	if _, err := c.StartStage(ctx, task.ID, pipeline.StageTriage); err != nil {
		return task, err
	}
	return task, nil
}

// StartStage moves a Pending or Failed stage to InProgress. It fails with
// ErrInvalidTransition if the previous stage is not Completed or the stage
// already completed, and with ErrConflict if another stage of the task is
// active.
func (c *Coordinator) StartStage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error) {
	if !stage.Valid() {
		return nil, pipeline.NewError("start_stage", pipeline.ErrInvalidTransition, taskID, stage, "unknown stage", nil)
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	l := c.taskLock(taskID)
	l.Lock()
	entry, err := c.startLocked(ctx, task, stage)
	l.Unlock()
	if err != nil {
		return nil, err
	}
	c.dispatch(task, stage)
	return entry, nil
}

func (c *Coordinator) startLocked(ctx context.Context, task *pipeline.Task, stage pipeline.Stage) (*pipeline.StageEntry, error) {
	entries, err := c.store.ListStages(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	byStage := make(map[pipeline.Stage]*pipeline.StageEntry, len(entries))
	for _, e := range entries {
		byStage[e.Stage] = e
	}
	entry := byStage[stage]
	if entry == nil {
		return nil, pipeline.NewError("start_stage", pipeline.ErrNotFound, task.ID, stage, "stage entry missing", nil)
	}

	if prev, ok := stage.Previous(); ok {
		if p := byStage[prev]; p == nil || p.Status != pipeline.StatusCompleted {
			return nil, pipeline.NewError("start_stage", pipeline.ErrInvalidTransition, task.ID, stage,
				fmt.Sprintf("%s is not completed", prev), nil)
		}
	}
	if entry.Status == pipeline.StatusCompleted {
		return nil, pipeline.NewError("start_stage", pipeline.ErrInvalidTransition, task.ID, stage, "stage already completed", nil)
	}
	for _, e := range entries {
		if e.Status.Active() {
			return nil, pipeline.NewError("start_stage", pipeline.ErrConflict, task.ID, stage,
				fmt.Sprintf("%s is %s", e.Stage, e.Status), nil)
		}
	}
	if c.running(task.ID) {
		return nil, pipeline.NewError("start_stage", pipeline.ErrConflict, task.ID, stage, "previous runner still in flight", nil)
	}

	retry := entry.Status == pipeline.StatusFailed
	now := c.now()
	entry.Status = pipeline.StatusInProgress
	entry.StartedAt = now
	entry.CompletedAt = nil
	entry.Reason = ""
	entry.Attempts++
	entry.Metadata = pipeline.Blob{}
	entry.UpdatedAt = now
	if err := c.store.PutStage(ctx, entry); err != nil {
		return nil, fmt.Errorf("start stage %s: %w", stage, err)
	}
	c.metrics.Transitions.WithLabelValues(string(stage), string(pipeline.StatusInProgress)).Inc()

	msg := "stage started"
	if retry {
		msg = fmt.Sprintf("stage retried (attempt %d)", entry.Attempts)
	}
	c.publish(ctx, events.StageUpdate(task, stage, pipeline.StatusInProgress, msg))
	c.logger.Info(c.logCtx(ctx, task, stage), msg, zap.Int("attempt", entry.Attempts))
	return entry.Clone(), nil
}

// CompleteStage marks an active stage Completed with the given outcome
// metadata, then starts the next stage. An empty outcome keeps the metadata
// already recorded on the entry. CodeReview fails with ErrUnresolvedIssues
// while Critical or Major issues remain unresolved.
func (c *Coordinator) CompleteStage(ctx context.Context, taskID string, stage pipeline.Stage, outcome pipeline.Blob) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	l := c.taskLock(taskID)
	l.Lock()
	next, err := c.completeLocked(ctx, task, stage, outcome)
	l.Unlock()
	if err != nil || next == "" {
		return err
	}
	_, err = c.StartStage(ctx, taskID, next)
	return err
}

func (c *Coordinator) completeLocked(ctx context.Context, task *pipeline.Task, stage pipeline.Stage, outcome pipeline.Blob) (pipeline.Stage, error) {
	entry, err := c.store.GetStage(ctx, task.ID, stage)
	if err != nil {
		return "", err
	}
	if !entry.Status.Active() {
		return "", pipeline.NewError("complete_stage", pipeline.ErrInvalidTransition, task.ID, stage,
			fmt.Sprintf("stage is %s", entry.Status), nil)
	}
	if pending, err := c.pendingGate(ctx, task.ID, stage); err != nil {
		return "", err
	} else if pending != nil {
		return "", pipeline.NewError("complete_stage", pipeline.ErrInvalidTransition, task.ID, stage,
			"approval gate "+pending.ID+" is pending", nil)
	}

	meta := outcome
	if meta.IsZero() {
		meta = entry.Metadata
	}
	if stage == pipeline.StageCodeReview {
		var rm ReviewMetadata
		src := &pipeline.StageEntry{Metadata: meta}
		if !decodeEntry(src, SchemaCodeReview, &rm) {
			decodeEntry(entry, SchemaCodeReview, &rm)
		}
		if n := pipeline.UnresolvedBlocking(rm.Issues); n > 0 {
			return "", pipeline.NewError("complete_stage", pipeline.ErrUnresolvedIssues, task.ID, stage,
				fmt.Sprintf("%d unresolved blocking issues", n), nil)
		}
	}

	now := c.now()
	entry.Status = pipeline.StatusCompleted
	entry.CompletedAt = &now
	entry.Metadata = meta
	entry.Reason = ""
	entry.UpdatedAt = now
	if err := c.store.PutStage(ctx, entry); err != nil {
		return "", fmt.Errorf("complete stage %s: %w", stage, err)
	}
	c.metrics.Transitions.WithLabelValues(string(stage), string(pipeline.StatusCompleted)).Inc()
	c.publish(ctx, events.Complete(task, stage, "stage completed"))
	c.logger.Info(c.logCtx(ctx, task, stage), "stage completed")

	next, ok := stage.Next()
	if !ok {
		c.publish(ctx, events.Complete(task, "", "pipeline completed"))
		c.logger.Info(c.logCtx(ctx, task, ""), "pipeline completed")
		return "", nil
	}
	return next, nil
}

func (c *Coordinator) pendingGate(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.Gate, error) {
	gates, err := c.store.ListGates(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, g := range gates {
		if g.Stage == stage && g.Status == pipeline.GatePending {
			return g, nil
		}
	}
	return nil, nil
}

// FailStage marks an active stage Failed with reason and cancels its
// runner. It does not advance the pipeline.
func (c *Coordinator) FailStage(ctx context.Context, taskID string, stage pipeline.Stage, reason string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	l := c.taskLock(taskID)
	l.Lock()
	defer l.Unlock()
	if err := c.failLocked(ctx, task, stage, reason, pipeline.Blob{}); err != nil {
		return err
	}
	c.cancelRun(taskID, stage)
	return nil
}

func (c *Coordinator) failLocked(ctx context.Context, task *pipeline.Task, stage pipeline.Stage, reason string, meta pipeline.Blob) error {
	entry, err := c.store.GetStage(ctx, task.ID, stage)
	if err != nil {
		return err
	}
	if !entry.Status.Active() {
		return pipeline.NewError("fail_stage", pipeline.ErrInvalidTransition, task.ID, stage,
			fmt.Sprintf("stage is %s", entry.Status), nil)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unspecified failure"
	}
	entry.Status = pipeline.StatusFailed
	entry.CompletedAt = nil
	entry.Reason = reason
	entry.UpdatedAt = c.now()
	if !meta.IsZero() {
		entry.Metadata = meta
	}
	if err := c.store.PutStage(ctx, entry); err != nil {
		return fmt.Errorf("fail stage %s: %w", stage, err)
	}
	c.metrics.Transitions.WithLabelValues(string(stage), string(pipeline.StatusFailed)).Inc()
	c.publish(ctx, events.Error(task, stage, reason))
	c.logger.Warn(c.logCtx(ctx, task, stage), "stage failed", zap.String("reason", reason))
	return nil
}

// Cancel fails the active stage of a task with reason "cancelled" and
// cancels its in-flight runner. Side effects already committed are kept.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (*pipeline.StageEntry, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	l := c.taskLock(taskID)
	l.Lock()
	defer l.Unlock()

	entries, err := c.store.ListStages(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.Status.Active() {
			continue
		}
		c.cancelRun(taskID, e.Stage)
		if err := c.failLocked(ctx, task, e.Stage, pipeline.ReasonCancelled, pipeline.Blob{}); err != nil {
			return nil, err
		}
		return c.store.GetStage(ctx, taskID, e.Stage)
	}
	return nil, pipeline.NewError("cancel", pipeline.ErrInvalidTransition, taskID, "", "no active stage", nil)
}

// MarkWaiting moves an InProgress stage to WaitingApproval. The gate
// manager announces the gate, so no event is published here.
func (c *Coordinator) MarkWaiting(ctx context.Context, taskID string, stage pipeline.Stage) error {
	l := c.taskLock(taskID)
	l.Lock()
	defer l.Unlock()

	entry, err := c.store.GetStage(ctx, taskID, stage)
	if err != nil {
		return err
	}
	switch entry.Status {
	case pipeline.StatusWaitingApproval:
		return nil
	case pipeline.StatusInProgress:
	default:
		return pipeline.NewError("mark_waiting", pipeline.ErrInvalidTransition, taskID, stage,
			fmt.Sprintf("stage is %s", entry.Status), nil)
	}
	entry.Status = pipeline.StatusWaitingApproval
	entry.UpdatedAt = c.now()
	if err := c.store.PutStage(ctx, entry); err != nil {
		return err
	}
	c.metrics.Transitions.WithLabelValues(string(stage), string(pipeline.StatusWaitingApproval)).Inc()
	return nil
}

// MarkResumed moves a WaitingApproval stage back to InProgress.
func (c *Coordinator) MarkResumed(ctx context.Context, taskID string, stage pipeline.Stage) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	l := c.taskLock(taskID)
	l.Lock()
	defer l.Unlock()

	entry, err := c.store.GetStage(ctx, taskID, stage)
	if err != nil {
		return err
	}
	switch entry.Status {
	case pipeline.StatusInProgress:
		return nil
	case pipeline.StatusWaitingApproval:
	default:
		return pipeline.NewError("mark_resumed", pipeline.ErrInvalidTransition, taskID, stage,
			fmt.Sprintf("stage is %s", entry.Status), nil)
	}
	entry.Status = pipeline.StatusInProgress
	entry.UpdatedAt = c.now()
	if err := c.store.PutStage(ctx, entry); err != nil {
		return err
	}
	c.metrics.Transitions.WithLabelValues(string(stage), string(pipeline.StatusInProgress)).Inc()
	c.publish(ctx, events.StageUpdate(task, stage, pipeline.StatusInProgress, "approval granted, resuming"))
	return nil
}

// hold parks an InProgress stage in WaitingApproval with its outcome so far,
// pending external action such as issue resolution.
func (c *Coordinator) hold(ctx context.Context, task *pipeline.Task, stage pipeline.Stage, meta pipeline.Blob, msg string) error {
	l := c.taskLock(task.ID)
	l.Lock()
	defer l.Unlock()

	entry, err := c.store.GetStage(ctx, task.ID, stage)
	if err != nil {
		return err
	}
	if entry.Status != pipeline.StatusInProgress {
		return pipeline.NewError("hold_stage", pipeline.ErrInvalidTransition, task.ID, stage,
			fmt.Sprintf("stage is %s", entry.Status), nil)
	}
	entry.Status = pipeline.StatusWaitingApproval
	entry.Metadata = meta
	entry.UpdatedAt = c.now()
	if err := c.store.PutStage(ctx, entry); err != nil {
		return err
	}
	c.metrics.Transitions.WithLabelValues(string(stage), string(pipeline.StatusWaitingApproval)).Inc()
	c.publish(ctx, events.StageUpdate(task, stage, pipeline.StatusWaitingApproval, msg))
	c.logger.Info(c.logCtx(ctx, task, stage), "stage held", zap.String("message", msg))
	return nil
}

// Task returns a task.
func (c *Coordinator) Task(ctx context.Context, taskID string) (*pipeline.Task, error) {
	return c.store.GetTask(ctx, taskID)
}

// Stages returns the stage ledger of a task in pipeline order.
func (c *Coordinator) Stages(ctx context.Context, taskID string) ([]*pipeline.StageEntry, error) {
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return c.store.ListStages(ctx, taskID)
}

// Stage returns one stage entry.
func (c *Coordinator) Stage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error) {
	return c.store.GetStage(ctx, taskID, stage)
}

// Iterations returns the Loop Iteration trail of a task.
func (c *Coordinator) Iterations(ctx context.Context, taskID string) ([]*pipeline.LoopIteration, error) {
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return c.store.ListIterations(ctx, taskID)
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	// Events follow committed writes even when the caller gave up.
	if err := c.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		c.logger.Warn(ctx, "publish event", zap.String("task_id", ev.TaskID), zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// maxTitleRunes bounds titles derived from requirements.
const maxTitleRunes = 80

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if utf8.RuneCountInString(s) > maxTitleRunes {
		s = string([]rune(s)[:maxTitleRunes])
	}
	return s
}

// isInvalidTransition reports whether err is a sequencing error.
func isInvalidTransition(err error) bool {
	return errors.Is(err, pipeline.ErrInvalidTransition)
}
