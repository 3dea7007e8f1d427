package dirty

import (
	"sort"
	"sync"
	"testing"
)

func TestMarkIdempotent(t *testing.T) {
	tr := NewTracker()
	tr.Mark("users")
	tr.Mark("users")
	tr.Mark("users")

	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
}

func TestMarkIgnoresEmpty(t *testing.T) {
	tr := NewTracker()
	tr.Mark("")
	if tr.Len() != 0 {
		t.Errorf("Len = %d, want 0", tr.Len())
	}
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.Mark("users")
	tr.Mark("orders")

	tr.Clear("users")
	got := tr.Snapshot()
	if len(got) != 1 || got[0] != "orders" {
		t.Errorf("Snapshot = %v, want [orders]", got)
	}

	// Clearing an absent table is a no-op.
	tr.Clear("missing")
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
}

func TestSnapshotDoesNotClear(t *testing.T) {
	tr := NewTracker()
	tr.Mark("users")

	_ = tr.Snapshot()
	if tr.Len() != 1 {
		t.Errorf("Snapshot cleared the set: Len = %d", tr.Len())
	}
}

func TestDrain(t *testing.T) {
	tr := NewTracker()
	tr.Mark("users")
	tr.Mark("orders")

	got := tr.Drain()
	sort.Strings(got)
	want := []string{"orders", "users"}
	if len(got) != len(want) {
		t.Fatalf("Drain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Drain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if tr.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", tr.Len())
	}
}

func TestConcurrentMark(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	tables := []string{"a", "b", "c", "d"}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Mark(tables[i%len(tables)])
		}(i)
	}
	wg.Wait()

	if tr.Len() != len(tables) {
		t.Errorf("Len = %d, want %d", tr.Len(), len(tables))
	}
}
