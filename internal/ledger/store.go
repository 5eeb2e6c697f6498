// Package ledger persists the per-task Stage Ledger, the Loop Iteration
// audit trail and approval gates.
//
// Two backends are provided: MemoryStore for single-process use and tests,
// and KVStore backed by a NATS JetStream KeyValue bucket. Both return
// pipeline.ErrNotFound and pipeline.ErrConflict so callers can match kinds
// with errors.Is regardless of backend.
package ledger

import (
	"context"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// TaskStore persists tasks.
type TaskStore interface {
	// CreateTask stores a new task. Fails with ErrConflict if the ID exists.
	CreateTask(ctx context.Context, task *pipeline.Task) error
	GetTask(ctx context.Context, taskID string) (*pipeline.Task, error)
}

// StageStore persists stage entries keyed by (task, stage).
type StageStore interface {
	PutStage(ctx context.Context, entry *pipeline.StageEntry) error
	GetStage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error)
	// ListStages returns existing entries in pipeline stage order.
	ListStages(ctx context.Context, taskID string) ([]*pipeline.StageEntry, error)
}

// IterationStore persists the append-only Loop Iteration trail.
type IterationStore interface {
	// AppendIteration assigns the next per-task Seq and stores the record.
	AppendIteration(ctx context.Context, it *pipeline.LoopIteration) error
	// MarkIterationFailed flips the status of one record to Failed.
	MarkIterationFailed(ctx context.Context, taskID string, seq uint64) error
	// ListIterations returns all records of a task ordered by Seq.
	ListIterations(ctx context.Context, taskID string) ([]*pipeline.LoopIteration, error)
}

// GateStore persists approval gates.
type GateStore interface {
	PutGate(ctx context.Context, gate *pipeline.Gate) error
	GetGate(ctx context.Context, gateID string) (*pipeline.Gate, error)
	// ListGates returns the gates of a task ordered by request time.
	ListGates(ctx context.Context, taskID string) ([]*pipeline.Gate, error)
}

// Store is the full persistence boundary used by the engine.
type Store interface {
	TaskStore
	StageStore
	IterationStore
	GateStore
}
