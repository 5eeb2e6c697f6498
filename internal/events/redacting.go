package events

import (
	"context"

	"github.com/fyrsmithlabs/shipline/internal/redact"
)

// Redacting scrubs secrets from event messages before they are published.
type Redacting struct {
	next     Broadcaster
	scrubber redact.Scrubber
}

var _ Broadcaster = (*Redacting)(nil)

// NewRedacting wraps next with scrubber.
func NewRedacting(next Broadcaster, scrubber redact.Scrubber) *Redacting {
	if scrubber == nil {
		scrubber = redact.Nop{}
	}
	return &Redacting{next: next, scrubber: scrubber}
}

// Publish implements Broadcaster.
func (r *Redacting) Publish(ctx context.Context, ev Event) error {
	ev.Message, _ = r.scrubber.Scrub(ev.Message)
	return r.next.Publish(ctx, ev)
}

// Subscribe implements Broadcaster.
func (r *Redacting) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	return r.next.Subscribe(ctx, taskID)
}

// SubscribeOwner implements Broadcaster.
func (r *Redacting) SubscribeOwner(ctx context.Context, owner string) (*Subscription, error) {
	return r.next.SubscribeOwner(ctx, owner)
}
