package idpool

import (
	"regexp"
	"testing"
	"time"

	"github.com/driftlight/overlay-server/internal/logger"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestGenerateFormat(t *testing.T) {
	for i := 0; i < 10; i++ {
		if id := Generate(); !hexID.MatchString(id) {
			t.Fatalf("Generate() = %q, want 16 lowercase hex chars", id)
		}
	}
}

func TestTakeFromPrefilledPool(t *testing.T) {
	p := New(logger.Discard(), WithCapacity(50), WithLowWater(5))

	if p.Size() != 50 {
		t.Fatalf("initial size = %d, want 50", p.Size())
	}

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id := p.Take()
		if !hexID.MatchString(id) {
			t.Fatalf("Take() = %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestTakeWhenEmptyGeneratesInline(t *testing.T) {
	p := New(logger.Discard(), WithCapacity(1), WithLowWater(0))

	p.Take()
	// Pool may be refilling; drain whatever is there and keep taking.
	for i := 0; i < 10; i++ {
		if id := p.Take(); !hexID.MatchString(id) {
			t.Fatalf("Take() on empty pool = %q", id)
		}
	}
}

func TestAsyncRefill(t *testing.T) {
	p := New(logger.Discard(), WithCapacity(30), WithLowWater(20))

	// Drop below the low-water mark.
	for i := 0; i < 15; i++ {
		p.Take()
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Size() < 30 {
		if time.Now().After(deadline) {
			t.Fatalf("pool never refilled, size = %d", p.Size())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
