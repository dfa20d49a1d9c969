// Package timer provides cancellable single-shot timers keyed by opaque ID.
package timer

import (
	"sync"
	"time"
)

// Handler receives the payload of a fired timer. Called from the timer
// goroutine; owners that need serial semantics should forward into their own
// mailbox.
type Handler func(id string, payload interface{})

// Ref identifies an armed timer.
type Ref struct {
	ID      string
	FiresAt time.Time
	Payload interface{}

	timer *time.Timer
}

// Wheel is an id-keyed registry of single-shot timers. Arming an id that is
// already armed returns the existing ref; cancel is idempotent.
type Wheel struct {
	mu      sync.Mutex
	entries map[string]*Ref
	handler Handler
}

// New creates a Wheel delivering fired payloads to handler.
func New(handler Handler) *Wheel {
	return &Wheel{
		entries: make(map[string]*Ref),
		handler: handler,
	}
}

// Arm schedules a single-shot timer for id. If id is already armed the
// existing ref is returned and no duplicate is created.
func (w *Wheel) Arm(id string, after time.Duration, payload interface{}) *Ref {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.entries[id]; ok {
		return existing
	}

	ref := &Ref{
		ID:      id,
		FiresAt: time.Now().Add(after),
		Payload: payload,
	}
	ref.timer = time.AfterFunc(after, func() { w.fire(id) })
	w.entries[id] = ref
	return ref
}

func (w *Wheel) fire(id string) {
	w.mu.Lock()
	ref, ok := w.entries[id]
	if ok {
		delete(w.entries, id)
	}
	w.mu.Unlock()

	// A concurrent Cancel may have won; firing after removal is a no-op.
	if ok && w.handler != nil {
		w.handler(id, ref.Payload)
	}
}

// Cancel stops the timer for id. Unknown ids are a no-op.
func (w *Wheel) Cancel(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ref, ok := w.entries[id]; ok {
		ref.timer.Stop()
		delete(w.entries, id)
	}
}

// CancelAll stops every armed timer. Used on shutdown.
func (w *Wheel) CancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, ref := range w.entries {
		ref.timer.Stop()
		delete(w.entries, id)
	}
}

// Armed reports whether id currently has a timer.
func (w *Wheel) Armed(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[id]
	return ok
}

// Len returns the number of armed timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// IDs returns the ids of all armed timers.
func (w *Wheel) IDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.entries))
	for id := range w.entries {
		ids = append(ids, id)
	}
	return ids
}
