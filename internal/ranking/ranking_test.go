package ranking_test

import (
	"math"
	"testing"

	"github.com/lukaszgda/tierheap/internal/ranking"
	"github.com/lukaszgda/tierheap/internal/registry"
)

const window = uint64(1_000_000_000)

func newRanking(t *testing.T, weightOld float64) *ranking.Ranking {
	t.Helper()

	r, err := ranking.New(weightOld, window, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = r.Close() })

	return r
}

func Test_New_Rejects_Invalid_Parameters(t *testing.T) {
	t.Parallel()

	if _, err := ranking.New(0, window, 16); err == nil {
		t.Fatal("weightOld 0 accepted")
	}

	if _, err := ranking.New(1, window, 16); err == nil {
		t.Fatal("weightOld 1 accepted")
	}

	if _, err := ranking.New(0.5, 0, 16); err == nil {
		t.Fatal("window 0 accepted")
	}
}

func Test_Touch_Applies_Exponential_Decay(t *testing.T) {
	t.Parallel()

	const wOld = 0.25

	r := newRanking(t, wOld)

	typ := &registry.Type{TotalSize: 100}
	if err := r.Add(typ, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// First touch carries no decay.
	if err := r.Touch(typ, 0, 1000, 8); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if typ.Freq != 8 {
		t.Fatalf("Freq after first touch = %v, want 8", typ.Freq)
	}

	// One full window later the old contribution is scaled by weightOld.
	if err := r.Touch(typ, 0, 1000+window, 2); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	want := wOld*8 + 2
	if math.Abs(typ.Freq-want) > 1e-9 {
		t.Fatalf("Freq after one window = %v, want %v", typ.Freq, want)
	}

	// Half a window: fractional exponent.
	if err := r.Touch(typ, 0, 1000+window+window/2, 0); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	want *= math.Pow(wOld, 0.5)
	if math.Abs(typ.Freq-want) > 1e-9 {
		t.Fatalf("Freq after half window = %v, want %v", typ.Freq, want)
	}
}

func Test_Touch_Drives_State_Machine_To_Classified(t *testing.T) {
	t.Parallel()

	r := newRanking(t, 0.5)

	typ := &registry.Type{TotalSize: 64}
	if err := r.Add(typ, 3); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := typ.State(); got != registry.HotnessUninit {
		t.Fatalf("state before touches = %v", got)
	}

	if err := r.Touch(typ, 3, 500, 1); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if got := typ.State(); got != registry.HotnessInsufficientData {
		t.Fatalf("state inside first window = %v", got)
	}

	// Still inside the window.
	if err := r.Touch(typ, 3, 500+window/2, 1); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if got := typ.State(); got != registry.HotnessInsufficientData {
		t.Fatalf("state inside first window = %v", got)
	}

	// A full window elapsed: classifiable. Threshold is 0, so the type is
	// hot.
	if err := r.Touch(typ, 3, 500+window, 1); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if got := typ.State(); got != registry.HotnessHot {
		t.Fatalf("state after full window = %v, want hot", got)
	}
}

func Test_HotThresholdForRatio_Special_Cases(t *testing.T) {
	t.Parallel()

	r := newRanking(t, 0.5)

	// Empty ranking.
	if got := r.HotThresholdForRatio(0.5); got != 0 {
		t.Fatalf("threshold on empty ranking = %v, want 0", got)
	}

	typ := &registry.Type{TotalSize: 10, Freq: 5}
	if err := r.Add(typ, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := r.HotThresholdForRatio(0); !math.IsInf(got, 1) {
		t.Fatalf("threshold for ratio 0 = %v, want +Inf", got)
	}

	if r.IsHot(typ) {
		t.Fatal("type hot under +Inf threshold")
	}

	if got := r.HotThresholdForRatio(1); got != 0 {
		t.Fatalf("threshold for ratio 1 = %v, want 0", got)
	}

	if !r.IsHot(typ) {
		t.Fatal("type cold under 0 threshold")
	}
}

func Test_HotThresholdForRatio_Splits_Bytes_At_Ratio(t *testing.T) {
	t.Parallel()

	r := newRanking(t, 0.5)

	// Four types, equal bytes, frequencies 1..4. A ratio of 0.5 picks the
	// key at weighted rank 0.5: counting from the coldest end, the bytes
	// first reach 200 of 400 at frequency 2.
	types := make([]*registry.Type, 4)
	for i := range types {
		types[i] = &registry.Type{TotalSize: 100, Freq: float64(i + 1)}
		if err := r.Add(types[i], uint32(i)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got := r.HotThresholdForRatio(0.5)
	if got != 2 {
		t.Fatalf("threshold = %v, want 2 (weighted rank 0.5)", got)
	}

	hotBytes := uint64(0)

	for _, typ := range types {
		if typ.Freq >= got {
			hotBytes += uint64(typ.TotalSize)
		}
	}

	// The threshold key itself counts as hot, so frequency >= 2 covers the
	// types at 2, 3 and 4: 300 of 400 bytes.
	if hotBytes != 300 {
		t.Fatalf("hot bytes = %d", hotBytes)
	}
}

func Test_Remove_And_UpdateWeight_Keep_Tree_Consistent(t *testing.T) {
	t.Parallel()

	r := newRanking(t, 0.5)

	a := &registry.Type{TotalSize: 100, Freq: 1}
	b := &registry.Type{TotalSize: 200, Freq: 2}

	if err := r.Add(a, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := r.Add(b, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := r.TotalWeight(); got != 300 {
		t.Fatalf("TotalWeight = %d, want 300", got)
	}

	// Weight follows TotalSize through UpdateWeight.
	b.TotalSize = 500

	if err := r.UpdateWeight(b, 1); err != nil {
		t.Fatalf("UpdateWeight: %v", err)
	}

	if got := r.TotalWeight(); got != 600 {
		t.Fatalf("TotalWeight = %d, want 600", got)
	}

	if err := r.Remove(a, 0); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// Double remove is a no-op.
	if err := r.Remove(a, 0); err != nil {
		t.Fatalf("second Remove: %v", err)
	}

	if got := r.Size(); got != 1 {
		t.Fatalf("Size = %d, want 1", got)
	}

	if got := r.TotalWeight(); got != 500 {
		t.Fatalf("TotalWeight = %d, want 500", got)
	}
}
