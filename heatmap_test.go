package tierheap_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tierheap "github.com/lukaszgda/tierheap"
)

func Test_SerializeHeatmap_Orders_Hottest_First(t *testing.T) {
	t.Parallel()

	out := tierheap.SerializeHeatmap([]tierheap.HeatmapEntry{
		{Hotness: 10, HotShare: 0.5, TotalBytes: 100},
		{Hotness: 1000, HotShare: 1, TotalBytes: 100},
		{Hotness: 100, HotShare: 0, TotalBytes: 100},
	})

	if !strings.HasPrefix(out, "heatmap_data = [") || !strings.HasSuffix(out, "]\n") {
		t.Fatalf("unexpected framing: %q", out)
	}

	// The hottest entry normalizes to 0xFF and leads the dump.
	body := strings.TrimSuffix(strings.TrimPrefix(out, "heatmap_data = ["), "]\n")

	pairs := strings.Split(strings.TrimSuffix(body, ";"), ";")
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d in %q", len(pairs), out)
	}

	if !strings.HasPrefix(pairs[0], "ff,") {
		t.Fatalf("hottest entry not first or not 0xFF: %q", pairs[0])
	}
}

func Test_SerializeHeatmap_Empty(t *testing.T) {
	t.Parallel()

	if got := tierheap.SerializeHeatmap(nil); got != "heatmap_data = []\n" {
		t.Fatalf("empty heatmap = %q", got)
	}
}

func Test_Heatmap_Reports_Per_Type_Hot_Share(t *testing.T) {
	t.Parallel()

	h := newHotnessHarness(t)

	h.allocAll(t)

	// Feed windows of touches until classification settles: hot-band types
	// above the threshold, cold-band types below it. Early windows can
	// misclassify while the threshold is still warming up; each further
	// window's touches re-classify against the current threshold.
	settled := func() bool {
		entries := h.mem.Heatmap()
		if len(entries) != len(h.hotBufs)+len(h.coldBufs) {
			return false
		}

		var hotShares, coldShares int

		for _, e := range entries {
			switch e.HotShare {
			case 1:
				if e.Hotness < 10 {
					return false // cold-band type still marked hot
				}

				hotShares++
			case 0:
				coldShares++
			default:
				t.Fatalf("hot share %v is not binary", e.HotShare)
			}

			if e.TotalBytes == 0 {
				t.Fatal("live type reports zero bytes")
			}
		}

		// Per-type shares, not one global value: the cold sites stay cold
		// while at least one hot site clears the threshold.
		return hotShares > 0 && coldShares > 0
	}

	done := false

	for round := 0; round < 10 && !done; round++ {
		h.feedWindow(t)

		done = settled()
	}

	if !done {
		t.Fatalf("heatmap shares did not settle: threshold %v, entries %+v",
			h.mem.HotThreshold(), h.mem.Heatmap())
	}
}

func Test_TypeHotness_Unknown_Hash_Is_Negative(t *testing.T) {
	t.Parallel()

	h := newHotnessHarness(t)

	if got := h.mem.TypeHotness(0xDEADBEEF); got != -1 {
		t.Fatalf("TypeHotness of unknown hash = %v, want -1", got)
	}

	// Outside the hotness policy there is no registry at all.
	hot := newKind(t, tierheap.KindHot)

	b := tierheap.NewBuilder(tierheap.PolicyStaticRatio)
	if err := b.AddTier(hot, 1); err != nil {
		t.Fatalf("AddTier: %v", err)
	}

	mem, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer mem.Close()

	if got := mem.TypeHotness(1); got != -1 {
		t.Fatalf("TypeHotness without registry = %v, want -1", got)
	}
}

func Test_DumpHeatmap_Writes_File_Atomically(t *testing.T) {
	t.Parallel()

	hot := newKind(t, tierheap.KindHot)

	b := tierheap.NewBuilder(tierheap.PolicyStaticRatio)
	if err := b.AddTier(hot, 1); err != nil {
		t.Fatalf("AddTier: %v", err)
	}

	mem, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer mem.Close()

	path := filepath.Join(t.TempDir(), "heatmap.txt")

	if err := mem.DumpHeatmap(path); err != nil {
		t.Fatalf("DumpHeatmap: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	// Static policy has no registry; the dump is the empty frame.
	if string(data) != "heatmap_data = []\n" {
		t.Fatalf("dump = %q", data)
	}
}
