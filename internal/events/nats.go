package events

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the first subject token used for task events.
const DefaultSubjectPrefix = "tasks"

var unsafeToken = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// subjectToken makes s safe to use as a single NATS subject token. The
// mapping is not injective, so subscribers also match the decoded event.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return unsafeToken.ReplaceAllString(s, "_")
}

// NATSBroadcaster publishes events to subjects
//
//	{prefix}.{owner}.{task}.{kind}
//
// Sequence assignment and the publish call share one mutex, and NATS keeps
// per-connection order, so subscribers observe publish order. A subscriber
// that detects a sequence gap (the server dropped messages for a slow
// consumer) is closed. Events whose owner or task only share a subject
// token with the requested one are discarded.
type NATSBroadcaster struct {
	nc     *nats.Conn
	prefix string
	buffer int
	logger *zap.Logger

	mu  sync.Mutex
	seq map[string]uint64

	metrics *Metrics
}

var _ Broadcaster = (*NATSBroadcaster)(nil)

// NewNATSBroadcaster creates a NATS-backed Broadcaster.
func NewNATSBroadcaster(nc *nats.Conn, prefix string, buffer int, logger *zap.Logger) (*NATSBroadcaster, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBroadcaster{
		nc:      nc,
		prefix:  prefix,
		buffer:  buffer,
		logger:  logger,
		seq:     make(map[string]uint64),
		metrics: NewMetrics(),
	}, nil
}

// Subject returns the subject an event is published on.
func (b *NATSBroadcaster) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s.%s", b.prefix, subjectToken(ev.Owner), subjectToken(ev.TaskID), subjectToken(string(ev.Kind)))
}

// Publish implements Broadcaster.
func (b *NATSBroadcaster) Publish(ctx context.Context, ev Event) error {
	if ev.TaskID == "" {
		return fmt.Errorf("event has no task id")
	}
	stamp(&ev)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[ev.TaskID]++
	ev.Seq = b.seq[ev.TaskID]

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	b.metrics.Published.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Subscribe implements Broadcaster.
func (b *NATSBroadcaster) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	return b.subscribe(ctx, fmt.Sprintf("%s.*.%s.*", b.prefix, subjectToken(taskID)),
		func(ev Event) bool { return ev.TaskID == taskID })
}

// SubscribeOwner implements Broadcaster.
func (b *NATSBroadcaster) SubscribeOwner(ctx context.Context, owner string) (*Subscription, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	return b.subscribe(ctx, fmt.Sprintf("%s.%s.>", b.prefix, subjectToken(owner)),
		func(ev Event) bool { return ev.Owner == owner })
}

func (b *NATSBroadcaster) subscribe(ctx context.Context, subject string, match func(Event) bool) (*Subscription, error) {
	msgCh := make(chan *nats.Msg, b.buffer)
	natsSub, err := b.nc.ChanSubscribe(subject, msgCh)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// Make sure the server has registered interest before returning, so no
	// event published after Subscribe returns is missed.
	if err := b.nc.Flush(); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}

	sub := newSubscription(b.buffer)
	go b.pump(sub, natsSub, msgCh, subject, match)
	sub.closeOn(ctx)
	return sub, nil
}

// pump is the only writer of sub.ch.
func (b *NATSBroadcaster) pump(sub *Subscription, natsSub *nats.Subscription, msgCh chan *nats.Msg, subject string, match func(Event) bool) {
	defer func() {
		_ = natsSub.Unsubscribe()
		close(sub.ch)
		sub.finish()
	}()

	last := make(map[string]uint64)
	for {
		select {
		case <-sub.done:
			return
		case msg := <-msgCh:
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				b.logger.Warn("discarding malformed event", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			if !match(ev) {
				continue
			}
			if prev, seen := last[ev.TaskID]; seen && ev.Seq != prev+1 {
				b.metrics.Dropped.WithLabelValues("nats").Inc()
				b.logger.Warn("event stream gap, closing subscriber",
					zap.String("subject", subject),
					zap.Uint64("expected", prev+1),
					zap.Uint64("got", ev.Seq))
				return
			}
			last[ev.TaskID] = ev.Seq

			select {
			case sub.ch <- ev:
			case <-sub.done:
				return
			default:
				b.metrics.Dropped.WithLabelValues("nats").Inc()
				b.logger.Warn("dropping slow event subscriber", zap.String("subject", subject))
				return
			}
		}
	}
}
