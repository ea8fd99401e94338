package wre_test

import (
	"errors"
	"testing"

	"github.com/lukaszgda/tierheap/pkg/wre"
)

func byKeyThenRef(a, b wre.Entry) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}

	return a.Ref < b.Ref
}

func newTree(t *testing.T) *wre.Tree {
	t.Helper()

	tr, err := wre.New(byKeyThenRef, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = tr.Close() })

	return tr
}

func Test_FindWeighted_Bounds_Return_Leftmost_And_Rightmost(t *testing.T) {
	t.Parallel()

	tr := newTree(t)

	for k := 0; k < 10; k++ {
		if err := tr.Put(wre.Entry{Key: float64(k), Ref: uint64(k)}, 10); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	lo, ok := tr.FindWeighted(0)
	if !ok || lo.Key != 0 {
		t.Fatalf("FindWeighted(0) = (%v, %v), want leftmost key 0", lo, ok)
	}

	hi, ok := tr.FindWeighted(1)
	if !ok || hi.Key != 9 {
		t.Fatalf("FindWeighted(1) = (%v, %v), want rightmost key 9", hi, ok)
	}

	// Monotone in the ratio.
	prev := -1.0

	for r := 0.0; r <= 1.0; r += 0.01 {
		e, ok := tr.FindWeighted(r)
		if !ok {
			t.Fatalf("FindWeighted(%v) empty on non-empty tree", r)
		}

		if e.Key < prev {
			t.Fatalf("FindWeighted not monotone: key %v after %v at r=%v", e.Key, prev, r)
		}

		prev = e.Key
	}
}

func Test_FindWeighted_Median_Of_Descending_Weights(t *testing.T) {
	t.Parallel()

	tr := newTree(t)

	// Keys 0..99 with weight 100-key: total weight 5050, and the weighted
	// median is the smallest k with (100+(100-k))*k/2 + (100-k) >= 2525.
	for k := 0; k < 100; k++ {
		if err := tr.Put(wre.Entry{Key: float64(k), Ref: uint64(k)}, uint64(100-k)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if got := tr.TotalWeight(); got != 5050 {
		t.Fatalf("TotalWeight = %d, want 5050", got)
	}

	e, ok := tr.FindWeighted(0.5)
	if !ok {
		t.Fatal("FindWeighted(0.5) empty")
	}

	if e.Key < 29 || e.Key > 31 {
		t.Fatalf("FindWeighted(0.5) key = %v, want 30 +- 1", e.Key)
	}
}

func Test_Remove_Distinguishes_Equal_Keys_By_Ref(t *testing.T) {
	t.Parallel()

	tr := newTree(t)

	for ref := uint64(0); ref < 5; ref++ {
		if err := tr.Put(wre.Entry{Key: 7, Ref: ref}, 100); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if err := tr.Remove(wre.Entry{Key: 7, Ref: 2}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if got := tr.Size(); got != 4 {
		t.Fatalf("Size = %d, want 4", got)
	}

	if got := tr.TotalWeight(); got != 400 {
		t.Fatalf("TotalWeight = %d, want 400", got)
	}

	if err := tr.Remove(wre.Entry{Key: 7, Ref: 2}); !errors.Is(err, wre.ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
}

func Test_Remove_From_Empty_Tree_Returns_ErrNotFound(t *testing.T) {
	t.Parallel()

	tr := newTree(t)

	if err := tr.Remove(wre.Entry{Key: 1}); !errors.Is(err, wre.ErrNotFound) {
		t.Fatalf("Remove = %v, want ErrNotFound", err)
	}

	if _, ok := tr.FindWeighted(0.5); ok {
		t.Fatal("FindWeighted on empty tree reported an entry")
	}
}
