package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// MemoryStore is an in-process Store. Values are copied on the way in and
// out so callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*pipeline.Task
	stages     map[string]map[pipeline.Stage]*pipeline.StageEntry
	iterations map[string][]*pipeline.LoopIteration
	gates      map[string]*pipeline.Gate
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*pipeline.Task),
		stages:     make(map[string]map[pipeline.Stage]*pipeline.StageEntry),
		iterations: make(map[string][]*pipeline.LoopIteration),
		gates:      make(map[string]*pipeline.Gate),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateTask(ctx context.Context, task *pipeline.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("task %s: %w", task.ID, pipeline.ErrConflict)
	}
	t := *task
	m.tasks[task.ID] = &t
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, taskID string) (*pipeline.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, pipeline.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) PutStage(ctx context.Context, entry *pipeline.StageEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byStage, ok := m.stages[entry.TaskID]
	if !ok {
		byStage = make(map[pipeline.Stage]*pipeline.StageEntry)
		m.stages[entry.TaskID] = byStage
	}
	byStage[entry.Stage] = entry.Clone()
	return nil
}

func (m *MemoryStore) GetStage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.stages[taskID][stage]
	if !ok {
		return nil, fmt.Errorf("stage %s/%s: %w", taskID, stage, pipeline.ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *MemoryStore) ListStages(ctx context.Context, taskID string) ([]*pipeline.StageEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pipeline.StageEntry, 0, len(m.stages[taskID]))
	for _, st := range pipeline.AllStages() {
		if e, ok := m.stages[taskID][st]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendIteration(ctx context.Context, it *pipeline.LoopIteration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.iterations[it.TaskID]
	it.Seq = uint64(len(list)) + 1
	m.iterations[it.TaskID] = append(list, it.Clone())
	return nil
}

func (m *MemoryStore) MarkIterationFailed(ctx context.Context, taskID string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.iterations[taskID]
	if seq == 0 || seq > uint64(len(list)) {
		return fmt.Errorf("iteration %s/%d: %w", taskID, seq, pipeline.ErrNotFound)
	}
	list[seq-1].Status = pipeline.IterationFailed
	return nil
}

func (m *MemoryStore) ListIterations(ctx context.Context, taskID string) ([]*pipeline.LoopIteration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.iterations[taskID]
	out := make([]*pipeline.LoopIteration, len(list))
	for i, it := range list {
		out[i] = it.Clone()
	}
	return out, nil
}

func (m *MemoryStore) PutGate(ctx context.Context, gate *pipeline.Gate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates[gate.ID] = gate.Clone()
	return nil
}

func (m *MemoryStore) GetGate(ctx context.Context, gateID string) (*pipeline.Gate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gates[gateID]
	if !ok {
		return nil, fmt.Errorf("gate %s: %w", gateID, pipeline.ErrNotFound)
	}
	return g.Clone(), nil
}

func (m *MemoryStore) ListGates(ctx context.Context, taskID string) ([]*pipeline.Gate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*pipeline.Gate
	for _, g := range m.gates {
		if g.TaskID == taskID {
			out = append(out, g.Clone())
		}
	}
	sortGates(out)
	return out, nil
}

func sortGates(gates []*pipeline.Gate) {
	sort.SliceStable(gates, func(i, j int) bool {
		return gates[i].RequestedAt.Before(gates[j].RequestedAt)
	})
}
