package bill

import (
	"context"
	"time"
)

// EventType names a bill notification.
type EventType string

const (
	EventTransition EventType = "bill.transition"
	EventOverride   EventType = "bill.override"
)

// Event is published after a bill change is stored.
type Event struct {
	Type    EventType `json:"type"`
	BillID  string    `json:"billId"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	Action  string    `json:"action"`
	ActorID string    `json:"actorId"`
	Bill    *Bill     `json:"bill"`
	At      time.Time `json:"at"`
}

// Publisher receives bill events. Implementations must not block the
// caller; delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Publishers fans an event out to several publishers.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, ev Event) {
	for _, p := range ps {
		p.Publish(ctx, ev)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}
