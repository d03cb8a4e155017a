package buffer

import (
	"math/rand"
	"testing"
)

func TestRangesAddCoalescesOverlap(t *testing.T) {
	t.Parallel()

	var rs Ranges
	rs.Add(0, 4)
	rs.Add(2, 6)

	all := rs.All()
	if len(all) != 1 || all[0] != (Range{0, 6}) {
		t.Fatalf("ranges = %v, want [{0 6}]", all)
	}
}

func TestRangesAddCoalescesTouching(t *testing.T) {
	t.Parallel()

	var rs Ranges
	rs.Add(0, 4)
	rs.Add(4, 8)

	all := rs.All()
	if len(all) != 1 || all[0] != (Range{0, 8}) {
		t.Fatalf("touching ranges not coalesced: %v", all)
	}
}

func TestRangesAddKeepsDisjointSorted(t *testing.T) {
	t.Parallel()

	var rs Ranges
	rs.Add(10, 12)
	rs.Add(0, 2)
	rs.Add(5, 6)

	all := rs.All()
	want := []Range{{0, 2}, {5, 6}, {10, 12}}
	if len(all) != 3 {
		t.Fatalf("ranges = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("ranges = %v, want %v", all, want)
		}
	}
}

func TestRangesRemoveSplits(t *testing.T) {
	t.Parallel()

	var rs Ranges
	rs.Add(0, 10)
	rs.Remove(4, 6)

	all := rs.All()
	if len(all) != 2 || all[0] != (Range{0, 4}) || all[1] != (Range{6, 10}) {
		t.Fatalf("ranges after split = %v, want [{0 4} {6 10}]", all)
	}
}

func TestRangesRemoveSpanningMultiple(t *testing.T) {
	t.Parallel()

	var rs Ranges
	rs.Add(0, 10)
	rs.Add(20, 30)
	rs.Remove(5, 25)

	all := rs.All()
	want := []Range{{0, 5}, {25, 30}}
	if len(all) != 2 {
		t.Fatalf("ranges = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("ranges = %v, want %v", all, want)
		}
	}
}

func TestRangesGapAt(t *testing.T) {
	t.Parallel()

	var rs Ranges
	rs.Add(0, 10)
	rs.Add(20, 30)

	if got := rs.GapAt(3); got != 7 {
		t.Fatalf("GapAt(3) = %v, want 7", got)
	}
	if got := rs.GapAt(15); got != 0 {
		t.Fatalf("GapAt(15) = %v, want 0", got)
	}
	if got := rs.GapAt(10); got != 0 {
		t.Fatalf("GapAt(10) at half-open boundary = %v, want 0", got)
	}
}

func TestRangesInvariantsUnderRandomMutation(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	var rs Ranges
	for i := 0; i < 500; i++ {
		a := rng.Float64() * 100
		b := a + rng.Float64()*10
		if rng.Intn(3) == 0 {
			rs.Remove(a, b)
		} else {
			rs.Add(a, b)
		}

		all := rs.All()
		for j, r := range all {
			if r.Start >= r.End {
				t.Fatalf("step %d: inverted range %v", i, r)
			}
			if j > 0 && all[j-1].End >= r.Start {
				t.Fatalf("step %d: ranges touch or overlap: %v then %v", i, all[j-1], r)
			}
		}
	}
}
