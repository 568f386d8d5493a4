package history

import (
	"context"
	"time"

	"github.com/loykin/pegstudy/internal/stream"
)

// EventType defines the kind of lifecycle event. It mirrors the worker
// event types.
type EventType = stream.EventType

// Record identifies the worker a lifecycle event belongs to.
type Record struct {
	Session string `json:"session"`
	Worker  string `json:"worker"`
	Target  string `json:"target"`
	Error   string `json:"error,omitempty"`
	Dropped int    `json:"dropped,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// FromStream converts a worker event, tagging it with session.
func FromStream(session string, e stream.Event) Event {
	return Event{
		Type:       e.Type,
		OccurredAt: e.OccurredAt.UTC(),
		Record: Record{
			Session: session,
			Worker:  e.Worker,
			Target:  e.Target,
			Error:   e.Err,
			Dropped: e.Dropped,
		},
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
