package tierheap

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/lukaszgda/tierheap/internal/registry"
)

// HeatmapEntry is one type's contribution to a heatmap snapshot.
type HeatmapEntry struct {
	Hotness    float64 // decayed frequency
	HotShare   float64 // fraction of the type's bytes on the hot tier
	TotalBytes uint64
}

// Heatmap snapshots the per-type hotness distribution. The pipeline must be
// quiescent (or the caller tolerant of a fuzzy snapshot): entries are read
// while the consumer may be updating them.
//
// Placement is binary per type: all of a classified type's allocations route
// to one tier, so the hot share is 1 for hot types and 0 for everything
// else.
func (m *Memory) Heatmap() []HeatmapEntry {
	if m.reg == nil {
		return nil
	}

	var entries []HeatmapEntry

	m.reg.ForEachType(func(_ uint32, t *registry.Type) bool {
		if t.NumAllocs <= 0 {
			return true
		}

		var hotShare float64
		if t.State() == registry.HotnessHot {
			hotShare = 1
		}

		entries = append(entries, HeatmapEntry{
			Hotness:    t.Freq,
			HotShare:   hotShare,
			TotalBytes: uint64(t.TotalSize),
		})

		return true
	})

	return entries
}

// SerializeHeatmap normalizes entries to byte-scaled pairs and renders the
// dump format: log-scaled hotness sorted hottest first, both channels
// scaled to 0..255.
func SerializeHeatmap(entries []HeatmapEntry) string {
	if len(entries) == 0 {
		return "heatmap_data = []\n"
	}

	normalized := make([]HeatmapEntry, len(entries))
	copy(normalized, entries)

	for i := range normalized {
		if normalized[i].Hotness > 0 {
			normalized[i].Hotness = math.Log(normalized[i].Hotness)
		}
	}

	sort.Slice(normalized, func(i, j int) bool {
		return normalized[i].Hotness > normalized[j].Hotness
	})

	maxHotness := normalized[0].Hotness

	var sb strings.Builder

	sb.WriteString("heatmap_data = [")

	for _, e := range normalized {
		var h byte

		if maxHotness > 0 {
			h = byte(0xFF * (e.Hotness / maxHotness))
		}

		share := byte(0xFF * e.HotShare)

		fmt.Fprintf(&sb, "%x,%x;", h, share)
	}

	sb.WriteString("]\n")

	return sb.String()
}

// DumpHeatmap writes the serialized heatmap to path atomically (temp file +
// rename), so a concurrent reader never observes a partial dump.
func (m *Memory) DumpHeatmap(path string) error {
	data := SerializeHeatmap(m.Heatmap())

	return atomic.WriteFile(path, strings.NewReader(data))
}
