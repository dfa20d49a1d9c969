package window

import (
	"testing"
	"time"
)

var base = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

func TestAddAndRange(t *testing.T) {
	b := New[string](30*time.Second, 100)

	b.Add("t1", at(1000))
	b.Add("t2", at(2500))
	b.Add("t3", at(6000))

	got := b.Range(at(1000), at(2500))
	if len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Errorf("Range = %v", got)
	}

	// Bounds are inclusive.
	if got := b.Range(at(6000), at(6000)); len(got) != 1 || got[0] != "t3" {
		t.Errorf("inclusive Range = %v", got)
	}

	if got := b.Range(at(7000), at(8000)); len(got) != 0 {
		t.Errorf("empty Range = %v", got)
	}
}

func TestRangeEntriesCarryTimestamps(t *testing.T) {
	b := New[string](30*time.Second, 100)
	b.Add("t1", at(1000))
	b.Add("t2", at(4000))

	got := b.RangeEntries(at(0), at(5000))
	if len(got) != 2 {
		t.Fatalf("RangeEntries = %v", got)
	}
	if got[0].Value != "t1" || !got[0].Timestamp.Equal(at(1000)) {
		t.Errorf("entry[0] = %+v", got[0])
	}
	if got[1].Value != "t2" || !got[1].Timestamp.Equal(at(4000)) {
		t.Errorf("entry[1] = %+v", got[1])
	}
}

func TestSizeCapEvictsOldest(t *testing.T) {
	b := New[int](time.Hour, 3)

	for i := 0; i < 5; i++ {
		b.Add(i, at(i*1000))
	}

	if b.Size() != 3 {
		t.Fatalf("size = %d, want 3", b.Size())
	}
	got := b.Items()
	if got[0] != 2 || got[2] != 4 {
		t.Errorf("items = %v, want [2 3 4]", got)
	}
}

func TestPruneByAge(t *testing.T) {
	b := New[int](30*time.Second, 100)

	b.Add(1, at(0))
	b.Add(2, at(10_000))
	b.Add(3, at(25_000))

	b.Prune(at(35_000))

	got := b.Items()
	if len(got) != 2 || got[0] != 2 {
		t.Errorf("after prune items = %v, want [2 3]", got)
	}

	// Everything ages out.
	b.Prune(at(60_000))
	if b.Size() != 0 {
		t.Errorf("size = %d after full prune", b.Size())
	}
}

func TestAddPrunesAgainstOwnTimestamp(t *testing.T) {
	b := New[int](5*time.Second, 100)

	b.Add(1, at(0))
	b.Add(2, at(10_000)) // first item is now older than the window

	got := b.Items()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("items = %v, want [2]", got)
	}
}

func TestInvariantsAfterEveryMutation(t *testing.T) {
	b := New[int](10*time.Second, 5)

	for i := 0; i < 50; i++ {
		ts := at(i * 700)
		b.Add(i, ts)
		if b.Size() > 5 {
			t.Fatalf("size cap violated at i=%d: %d", i, b.Size())
		}
		for _, v := range b.Items() {
			if gap := i - v; gap < 0 {
				t.Fatalf("future item %d at i=%d", v, i)
			}
		}
	}
}

func TestReset(t *testing.T) {
	b := New[int](time.Hour, 10)
	b.Add(1, at(0))
	b.Reset()
	if b.Size() != 0 {
		t.Errorf("size = %d after reset", b.Size())
	}
}
