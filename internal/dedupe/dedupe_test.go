package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/lemonhq/lemongate/internal/clock"
)

func TestTableCheckAndMark(t *testing.T) {
	clk := &clock.Fake{}
	tbl := NewTable(clk)

	if got := tbl.CheckAndMark("k1", 1000); got != New {
		t.Fatalf("first mark = %v, want New", got)
	}
	if got := tbl.CheckAndMark("k1", 1000); got != Seen {
		t.Fatalf("second mark within ttl = %v, want Seen", got)
	}

	clk.Advance(999 * time.Millisecond)
	if got := tbl.CheckAndMark("k1", 1000); got != Seen {
		t.Fatalf("mark at ttl-1 = %v, want Seen", got)
	}

	clk.Advance(1001 * time.Millisecond)
	if got := tbl.CheckAndMark("k1", 1000); got != New {
		t.Fatalf("mark after ttl = %v, want New", got)
	}
}

func TestTableIndependentKeys(t *testing.T) {
	tbl := NewTable(&clock.Fake{})
	if tbl.CheckAndMark("a", 1000) != New || tbl.CheckAndMark("b", 1000) != New {
		t.Fatal("distinct keys should both be New")
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tbl.Len())
	}
}

func TestTablePrune(t *testing.T) {
	clk := &clock.Fake{}
	tbl := NewTable(clk)
	tbl.CheckAndMark("old", 1000)
	clk.Advance(2 * time.Second)
	tbl.CheckAndMark("fresh", 1000)

	tbl.Prune(1000)
	if tbl.Len() != 1 {
		t.Fatalf("Len after prune = %d, want 1", tbl.Len())
	}
}

func TestRingEvictsOldestFIFO(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 3; i++ {
		if r.CheckAndMark(fmt.Sprintf("m%d", i)) != New {
			t.Fatalf("m%d should be New", i)
		}
	}

	// Adding a fourth evicts m0.
	if r.CheckAndMark("m3") != New {
		t.Fatal("m3 should be New")
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	if r.CheckAndMark("m0") != New {
		t.Fatal("m0 should have been evicted")
	}
	if r.CheckAndMark("m2") != Seen {
		t.Fatal("m2 should still be held")
	}
}

func TestRingSeen(t *testing.T) {
	r := NewRing(2000)
	if r.CheckAndMark("msg") != New {
		t.Fatal("want New")
	}
	if r.CheckAndMark("msg") != Seen {
		t.Fatal("want Seen")
	}
}
