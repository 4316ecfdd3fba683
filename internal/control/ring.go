package control

import (
	"sync"

	"github.com/veesix-networks/osdhcpc/pkg/events"
)

const ringCapacity = 256

// eventRing retains the most recent bus events for the events endpoint.
type eventRing struct {
	mu      sync.Mutex
	entries []EventRecord
	next    int
	full    bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{entries: make([]EventRecord, capacity)}
}

func (r *eventRing) record(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = EventRecord{
		ID:        evt.ID,
		Topic:     evt.Type,
		Timestamp: evt.Timestamp,
		Source:    evt.Source,
		Data:      evt.Data,
	}
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns the retained events oldest first.
func (r *eventRing) snapshot() []EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]EventRecord, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]EventRecord, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
