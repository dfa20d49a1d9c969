package timer

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) handle(id string, payload interface{}) {
	r.mu.Lock()
	r.fired = append(r.fired, id)
	r.mu.Unlock()
	r.ch <- id
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case id := <-r.ch:
		if id != want {
			t.Fatalf("fired %q, want %q", id, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer %q never fired", want)
	}
}

func TestArmFiresOnce(t *testing.T) {
	rec := newRecorder()
	w := New(rec.handle)

	start := time.Now()
	w.Arm("a", 30*time.Millisecond, nil)
	rec.wait(t, "a")

	if drift := time.Since(start) - 30*time.Millisecond; drift > 50*time.Millisecond {
		t.Errorf("fired %v late", drift)
	}
	if w.Armed("a") {
		t.Error("id still armed after firing")
	}
	if w.Len() != 0 {
		t.Errorf("len = %d after firing", w.Len())
	}
}

func TestArmDuplicateReturnsExistingRef(t *testing.T) {
	rec := newRecorder()
	w := New(rec.handle)

	first := w.Arm("a", time.Hour, "p1")
	second := w.Arm("a", time.Millisecond, "p2")

	if first != second {
		t.Fatal("re-arming an armed id created a new ref")
	}
	if second.Payload != "p1" {
		t.Errorf("payload = %v, want original", second.Payload)
	}

	// The one-hour timer stands; nothing fires quickly.
	select {
	case id := <-rec.ch:
		t.Fatalf("unexpected firing of %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	rec := newRecorder()
	w := New(rec.handle)

	w.Arm("a", 20*time.Millisecond, nil)
	w.Cancel("a")
	w.Cancel("a") // idempotent
	w.Cancel("never-armed")

	select {
	case id := <-rec.ch:
		t.Fatalf("cancelled timer %q fired", id)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestPayloadDelivered(t *testing.T) {
	got := make(chan interface{}, 1)
	w := New(func(id string, payload interface{}) { got <- payload })

	w.Arm("a", 10*time.Millisecond, map[string]int{"count": 3})

	select {
	case p := <-got:
		m, ok := p.(map[string]int)
		if !ok || m["count"] != 3 {
			t.Errorf("payload = %#v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload never delivered")
	}
}

func TestCancelAllAndIDs(t *testing.T) {
	rec := newRecorder()
	w := New(rec.handle)

	w.Arm("a", time.Hour, nil)
	w.Arm("b", time.Hour, nil)
	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2", w.Len())
	}
	if ids := w.IDs(); len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}

	w.CancelAll()
	if w.Len() != 0 {
		t.Errorf("len = %d after CancelAll", w.Len())
	}
}
