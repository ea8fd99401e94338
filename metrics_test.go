package tierheap_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	tierheap "github.com/lukaszgda/tierheap"
	"github.com/lukaszgda/tierheap/internal/pebs"
)

func Test_Metrics_Register_And_Gather(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	b := tierheap.NewBuilder(tierheap.PolicyDataHotness).
		WithSampleSource(pebs.NewSyntheticSource()).
		WithEnvLookup(func(string) string { return "" }).
		WithMetrics(reg)

	require.NoError(t, b.AddTier(newKind(t, tierheap.KindHot), 1))
	require.NoError(t, b.AddTier(newKind(t, tierheap.KindCold), 1))

	mem, err := b.Build()
	require.NoError(t, err)

	defer mem.Close()

	buf, err := mem.Malloc(4096)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"tierheap_dropped_events_total",
		"tierheap_event_ring_occupancy",
		"tierheap_hot_threshold",
		"tierheap_hot_to_total_ratio",
	} {
		require.True(t, names[want], "metric %s not registered", want)
	}

	require.NoError(t, mem.Free(buf))
}
