package stream

import (
	"sync"
	"time"
)

// EventType names a worker lifecycle transition.
type EventType string

const (
	EventOpened        EventType = "opened"
	EventClosed        EventType = "closed"
	EventForcedReset   EventType = "forced_reset"
	EventNoDataTimeout EventType = "no_data_timeout"
	EventOpenFailed    EventType = "open_failed"
	EventDegraded      EventType = "degraded"
	EventWriteFailed   EventType = "write_failed"
	EventStopped       EventType = "stopped"
)

// Event describes one lifecycle transition of a worker's channel.
type Event struct {
	Type       EventType `json:"type"`
	Worker     string    `json:"worker"`
	Target     string    `json:"target"`
	OccurredAt time.Time `json:"occurred_at"`
	// Err carries the failure text for open_failed / write_failed / degraded.
	Err string `json:"error,omitempty"`
	// Dropped counts payloads discarded by the transition, if any.
	Dropped int `json:"dropped,omitempty"`
}

// Observer receives worker events. It is called on the worker goroutine and
// must not block.
type Observer func(Event)

type observers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]Observer
}

func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers) emit(e Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, fn := range o.fns {
		fn(e)
	}
}
