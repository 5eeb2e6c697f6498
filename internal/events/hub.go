package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Hub is an in-process Broadcaster. A single mutex covers sequence
// assignment and fan-out, so delivery order equals publish order.
type Hub struct {
	mu     sync.Mutex
	seq    map[string]uint64
	subs   map[uint64]*hubSubscriber
	nextID uint64
	buffer int
	closed bool

	logger  *zap.Logger
	metrics *Metrics
}

type hubSubscriber struct {
	id     uint64
	taskID string
	owner  string
	sub    *Subscription
}

var _ Broadcaster = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates a Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		seq:     make(map[string]uint64),
		subs:    make(map[uint64]*hubSubscriber),
		buffer:  DefaultBuffer,
		logger:  zap.NewNop(),
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish implements Broadcaster.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if ev.TaskID == "" {
		return fmt.Errorf("event has no task id")
	}
	stamp(&ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hub closed")
	}

	h.seq[ev.TaskID]++
	ev.Seq = h.seq[ev.TaskID]
	h.metrics.Published.WithLabelValues(string(ev.Kind)).Inc()

	for id, s := range h.subs {
		if s.taskID != ev.TaskID && (s.owner == "" || s.owner != ev.Owner) {
			continue
		}
		select {
		case s.sub.ch <- ev:
		default:
			// Slow consumer: close instead of skipping, so the stream never has a gap.
			h.dropLocked(id, s)
			h.metrics.Dropped.WithLabelValues("hub").Inc()
			h.logger.Warn("dropping slow event subscriber",
				zap.String("task_id", ev.TaskID),
				zap.Uint64("seq", ev.Seq))
		}
	}
	return nil
}

func (h *Hub) dropLocked(id uint64, s *hubSubscriber) {
	delete(h.subs, id)
	close(s.sub.ch)
	s.sub.finish()
}

func (h *Hub) add(ctx context.Context, taskID, owner string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("hub closed")
	}

	h.nextID++
	id := h.nextID
	sub := newSubscription(h.buffer)
	s := &hubSubscriber{id: id, taskID: taskID, owner: owner, sub: sub}
	h.subs[id] = s
	sub.release = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.subs[id]; ok && cur == s {
			h.dropLocked(id, s)
		}
	}
	sub.closeOn(ctx)
	return sub, nil
}

// Subscribe implements Broadcaster.
func (h *Hub) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	return h.add(ctx, taskID, "")
}

// SubscribeOwner implements Broadcaster.
func (h *Hub) SubscribeOwner(ctx context.Context, owner string) (*Subscription, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	return h.add(ctx, "", owner)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		h.dropLocked(id, s)
	}
	h.closed = true
}
