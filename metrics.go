package tierheap

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics exposes the observability surface as Prometheus collectors.
type metrics struct {
	tierBytes *prometheus.GaugeVec
	mem       *Memory
}

func newMetrics(reg prometheus.Registerer, m *Memory) *metrics {
	mt := &metrics{
		mem: m,
		tierBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tierheap",
			Name:      "tier_bytes",
			Help:      "Live bytes per memory tier.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		mt.tierBytes,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "tierheap",
			Name:      "dropped_events_total",
			Help:      "Observation events dropped on a full ring.",
		}, func() float64 { return float64(m.DroppedEvents()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tierheap",
			Name:      "event_ring_occupancy",
			Help:      "Events currently queued for the consumer.",
		}, func() float64 {
			if m.ring == nil {
				return 0
			}

			return float64(m.ring.Len())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tierheap",
			Name:      "hot_threshold",
			Help:      "Current hotness threshold.",
		}, func() float64 { return m.HotThreshold() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tierheap",
			Name:      "hot_to_total_ratio",
			Help:      "Observed hot-tier byte share.",
		}, func() float64 { return m.ActualHotToTotalRatio() }),
	)

	return mt
}

// updateTierBytes refreshes the per-tier gauge; called from the consumer's
// control tick.
func (mt *metrics) updateTierBytes() {
	for i, t := range mt.mem.tiers {
		mt.tierBytes.WithLabelValues(t.kind.Name()).Set(float64(mt.mem.cnt.tierBytes(i)))
	}
}
