// Package events delivers ordered task notifications to observers.
//
// Every event carries a per-task sequence number assigned at publish time.
// A subscriber sees the events of one task in publish order with no gaps;
// a subscriber that cannot keep up, or that disconnects, is closed rather
// than queued for. The Stage Ledger and Loop Iteration records remain the
// durable source of truth for reconnecting observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// Kind is the type of an event.
type Kind string

const (
	KindStageUpdate Kind = "stage_update"
	KindProgress    Kind = "progress"
	KindLog         Kind = "log"
	KindError       Kind = "error"
	KindComplete    Kind = "complete"
)

// Event is one notification about a task.
type Event struct {
	ID        string               `json:"id"`
	Seq       uint64               `json:"seq"`
	TaskID    string               `json:"task_id"`
	Owner     string               `json:"owner"`
	Kind      Kind                 `json:"kind"`
	Stage     pipeline.Stage       `json:"stage,omitempty"`
	Status    pipeline.StageStatus `json:"status,omitempty"`
	Phase     pipeline.Phase       `json:"phase,omitempty"`
	Iteration int                  `json:"iteration,omitempty"`
	Percent   int                  `json:"percent,omitempty"`
	Level     string               `json:"level,omitempty"`
	Message   string               `json:"message,omitempty"`
	GateID    string               `json:"gate_id,omitempty"`
	Data      pipeline.Blob        `json:"data,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Terminal reports whether the event ends the task's stream for a
// single-task observer: an error, or completion of the whole pipeline.
func (e Event) Terminal() bool {
	return e.Kind == KindError || (e.Kind == KindComplete && e.Stage == "")
}

// Broadcaster fans events out to subscribers of a task and of its owner.
type Broadcaster interface {
	// Publish assigns the next per-task sequence number and delivers ev.
	Publish(ctx context.Context, ev Event) error

	// Subscribe streams the events of one task until ctx ends or Close.
	Subscribe(ctx context.Context, taskID string) (*Subscription, error)

	// SubscribeOwner streams the events of every task of owner.
	SubscribeOwner(ctx context.Context, owner string) (*Subscription, error)
}

// Subscription is a stream handle. Events is closed when the subscription
// ends for any reason.
type Subscription struct {
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
	release  func()
}

func newSubscription(buffer int) *Subscription {
	return &Subscription{
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		release: func() {},
	}
}

// Events returns the receive channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed once the subscription has been closed or dropped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.finish()
	s.release()
}

func (s *Subscription) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// closeOn closes s when ctx ends.
func (s *Subscription) closeOn(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

func stamp(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}

// StageUpdate builds a stage_update event.
func StageUpdate(task *pipeline.Task, stage pipeline.Stage, status pipeline.StageStatus, msg string) Event {
	return Event{TaskID: task.ID, Owner: task.Owner, Kind: KindStageUpdate, Stage: stage, Status: status, Message: msg}
}

// Progress builds a progress event.
func Progress(task *pipeline.Task, stage pipeline.Stage, phase pipeline.Phase, iteration, percent int, msg string) Event {
	return Event{TaskID: task.ID, Owner: task.Owner, Kind: KindProgress, Stage: stage, Phase: phase, Iteration: iteration, Percent: percent, Message: msg}
}

// Log builds a log event.
func Log(task *pipeline.Task, stage pipeline.Stage, level, msg string) Event {
	return Event{TaskID: task.ID, Owner: task.Owner, Kind: KindLog, Stage: stage, Level: level, Message: msg}
}

// Error builds an error event.
func Error(task *pipeline.Task, stage pipeline.Stage, reason string) Event {
	return Event{TaskID: task.ID, Owner: task.Owner, Kind: KindError, Stage: stage, Status: pipeline.StatusFailed, Message: reason}
}

// Complete builds a complete event. An empty stage marks the whole pipeline.
func Complete(task *pipeline.Task, stage pipeline.Stage, msg string) Event {
	ev := Event{TaskID: task.ID, Owner: task.Owner, Kind: KindComplete, Stage: stage, Message: msg}
	if stage != "" {
		ev.Status = pipeline.StatusCompleted
	}
	return ev
}
