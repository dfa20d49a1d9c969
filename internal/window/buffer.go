// Package window provides a bounded, time-windowed ordered buffer.
package window

import (
	"sync"
	"time"
)

type entry[T any] struct {
	ts time.Time
	v  T
}

// Buffer holds timestamped items in insertion order, bounded both by count
// and by wall-clock age. After every Add and Prune: size <= max size, and no
// retained item is older than the window relative to the latest prune.
type Buffer[T any] struct {
	mu      sync.Mutex
	entries []entry[T]
	window  time.Duration
	maxSize int
}

// New creates a buffer keeping at most maxSize items no older than window.
func New[T any](window time.Duration, maxSize int) *Buffer[T] {
	return &Buffer[T]{
		window:  window,
		maxSize: maxSize,
	}
}

// Add appends an item, pruning by age relative to its timestamp and
// evicting the oldest items to preserve the size cap.
func (b *Buffer[T]) Add(v T, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(ts)
	b.entries = append(b.entries, entry[T]{ts: ts, v: v})
	if over := len(b.entries) - b.maxSize; over > 0 {
		b.entries = b.entries[over:]
	}
}

// Prune drops items older than now - window.
func (b *Buffer[T]) Prune(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
}

func (b *Buffer[T]) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.entries) && b.entries[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = b.entries[i:]
	}
}

// Range returns all items with lo <= ts <= hi in insertion order.
func (b *Buffer[T]) Range(lo, hi time.Time) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []T
	for _, e := range b.entries {
		if !e.ts.Before(lo) && !e.ts.After(hi) {
			out = append(out, e.v)
		}
	}
	return out
}

// Entry pairs a retained item with its timestamp.
type Entry[T any] struct {
	Timestamp time.Time
	Value     T
}

// RangeEntries is Range with the stored timestamps included.
func (b *Buffer[T]) RangeEntries(lo, hi time.Time) []Entry[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry[T]
	for _, e := range b.entries {
		if !e.ts.Before(lo) && !e.ts.After(hi) {
			out = append(out, Entry[T]{Timestamp: e.ts, Value: e.v})
		}
	}
	return out
}

// Size returns the current item count.
func (b *Buffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Items returns every retained item in insertion order.
func (b *Buffer[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.v
	}
	return out
}

// Reset drops everything.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}
