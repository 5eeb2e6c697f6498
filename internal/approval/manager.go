// Package approval implements blocking approval gates.
//
// A gate is requested by the component that needs a human decision and
// resolved by an external caller. Each gate wakes its waiter at most once;
// a second resolution fails with pipeline.ErrNotFound. Gates have no
// deadline unless the manager is built with WithTimeout.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// Decision is the outcome delivered to a waiter.
type Decision struct {
	Approved bool
	Notes    string
	Gate     *pipeline.Gate
}

// Manager creates, resolves and awaits approval gates.
type Manager struct {
	store   ledger.GateStore
	events  events.Broadcaster
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
	metrics *Metrics

	mu      sync.Mutex
	waiters map[string]chan Decision // gate ID -> waiter
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds every gate. Zero means wait indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(store ledger.GateStore, broadcaster events.Broadcaster, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("gate store is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	m := &Manager{
		store:   store,
		events:  broadcaster,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		metrics: NewMetrics(),
		waiters: make(map[string]chan Decision),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Request creates a Pending gate for task and returns a handle to await it.
// Fails with pipeline.ErrConflict if the task already has a Pending gate.
func (m *Manager) Request(ctx context.Context, task *pipeline.Task, stage pipeline.Stage, gateType pipeline.GateType, gateCtx pipeline.Blob) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.pendingLocked(ctx, task.ID)
	if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, pipeline.NewError("request_gate", pipeline.ErrConflict, task.ID, stage,
			fmt.Sprintf("gate %s already pending", existing.ID), nil)
	}

	gate := &pipeline.Gate{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Owner:       task.Owner,
		Stage:       stage,
		Type:        gateType,
		Status:      pipeline.GatePending,
		Context:     gateCtx.Clone(),
		RequestedAt: m.now(),
	}
	if err := m.store.PutGate(ctx, gate); err != nil {
		return nil, fmt.Errorf("persist gate: %w", err)
	}

	ch := make(chan Decision, 1)
	m.waiters[gate.ID] = ch
	m.metrics.Requested.WithLabelValues(string(gateType)).Inc()
	m.metrics.Pending.Inc()

	ev := events.StageUpdate(task, stage, pipeline.StatusWaitingApproval, fmt.Sprintf("waiting for %s approval", gateType))
	ev.GateID = gate.ID
	ev.Data = gate.Context
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish gate event", zap.String("gate_id", gate.ID), zap.Error(err))
	}

	m.logger.Info("approval gate requested",
		zap.String("task_id", task.ID),
		zap.String("gate_id", gate.ID),
		zap.String("type", string(gateType)))

	return &Handle{m: m, gate: gate.Clone(), ch: ch}, nil
}

// Resolve records a decision and wakes the gate's waiter, at most once.
// Fails with pipeline.ErrNotFound if the gate does not exist or is no
// longer Pending.
func (m *Manager) Resolve(ctx context.Context, gateID string, approved bool, notes string) (*pipeline.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gate, err := m.store.GetGate(ctx, gateID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return nil, pipeline.NewError("resolve_gate", pipeline.ErrNotFound, "", "", "gate "+gateID, nil)
		}
		return nil, err
	}
	if gate.Status != pipeline.GatePending {
		return nil, pipeline.NewError("resolve_gate", pipeline.ErrNotFound, gate.TaskID, gate.Stage,
			fmt.Sprintf("gate %s is %s", gateID, gate.Status), nil)
	}

	now := m.now()
	gate.RespondedAt = &now
	gate.Notes = notes
	gate.Status = pipeline.GateRejected
	if approved {
		gate.Status = pipeline.GateApproved
	}
	if err := m.store.PutGate(ctx, gate); err != nil {
		return nil, fmt.Errorf("persist gate: %w", err)
	}
	m.metrics.Pending.Dec()
	m.metrics.Resolved.WithLabelValues(string(gate.Status)).Inc()

	if ch, ok := m.waiters[gateID]; ok {
		delete(m.waiters, gateID)
		ch <- Decision{Approved: approved, Notes: notes, Gate: gate.Clone()}
	} else {
		m.logger.Debug("gate resolved with no local waiter", zap.String("gate_id", gateID))
	}

	m.logger.Info("approval gate resolved",
		zap.String("task_id", gate.TaskID),
		zap.String("gate_id", gateID),
		zap.Bool("approved", approved))
	return gate, nil
}

// Get returns one gate.
func (m *Manager) Get(ctx context.Context, gateID string) (*pipeline.Gate, error) {
	return m.store.GetGate(ctx, gateID)
}

// List returns every gate of a task in request order.
func (m *Manager) List(ctx context.Context, taskID string) ([]*pipeline.Gate, error) {
	return m.store.ListGates(ctx, taskID)
}

// Pending returns the task's Pending gate, or pipeline.ErrNotFound.
func (m *Manager) Pending(ctx context.Context, taskID string) (*pipeline.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked(ctx, taskID)
}

func (m *Manager) pendingLocked(ctx context.Context, taskID string) (*pipeline.Gate, error) {
	gates, err := m.store.ListGates(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, g := range gates {
		if g.Status == pipeline.GatePending {
			return g, nil
		}
	}
	return nil, fmt.Errorf("pending gate for task %s: %w", taskID, pipeline.ErrNotFound)
}

// expire closes a gate whose waiter gave up, so the task can raise a new
// one later. It is a no-op if the gate was already resolved.
func (m *Manager) expire(gateID, notes string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.waiters[gateID]; !ok {
		return
	}
	delete(m.waiters, gateID)

	// The waiter's context may be done; use a fresh one for the write.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gate, err := m.store.GetGate(ctx, gateID)
	if err != nil || gate.Status != pipeline.GatePending {
		return
	}
	now := m.now()
	gate.Status = pipeline.GateRejected
	gate.RespondedAt = &now
	gate.Notes = notes
	if err := m.store.PutGate(ctx, gate); err != nil {
		m.logger.Warn("persist expired gate", zap.String("gate_id", gateID), zap.Error(err))
		return
	}
	m.metrics.Pending.Dec()
	m.metrics.Resolved.WithLabelValues("expired").Inc()
}

// Handle is returned by Request and awaited by the requester.
type Handle struct {
	m    *Manager
	gate *pipeline.Gate
	ch   chan Decision
}

// Gate returns a copy of the gate as requested.
func (h *Handle) Gate() *pipeline.Gate {
	return h.gate.Clone()
}

// Wait blocks until the gate is resolved, ctx ends, or the manager's
// timeout elapses. On timeout it returns pipeline.ErrApprovalTimeout; when
// ctx ends it returns ctx.Err(). In both cases the gate is closed as
// Rejected so the task is free to request another.
func (h *Handle) Wait(ctx context.Context) (Decision, error) {
	var expired <-chan time.Time
	if h.m.timeout > 0 {
		timer := time.NewTimer(h.m.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d := <-h.ch:
		return d, nil
	case <-expired:
		h.m.expire(h.gate.ID, pipeline.ReasonApprovalTimeout)
		// A resolution may have won the race for the lock.
		select {
		case d := <-h.ch:
			return d, nil
		default:
		}
		return Decision{}, pipeline.NewError("await_gate", pipeline.ErrApprovalTimeout, h.gate.TaskID, h.gate.Stage, pipeline.ReasonApprovalTimeout, nil)
	case <-ctx.Done():
		h.m.expire(h.gate.ID, pipeline.ReasonCancelled)
		select {
		case d := <-h.ch:
			return d, nil
		default:
		}
		return Decision{}, ctx.Err()
	}
}
