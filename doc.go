// Package tierheap is a user-space, tiered heap manager. Every dynamic
// allocation is placed on one of two backing memory kinds - a fast,
// capacity-limited tier ("hot") and a slower, larger tier ("cold") -
// according to a placement policy.
//
// # Policies
//
//   - [PolicyStaticRatio] balances tiers toward a fixed byte ratio.
//   - [PolicyDynamicThreshold] routes by allocation size against
//     self-adjusting thresholds.
//   - [PolicyDataHotness] classifies each allocation site by its observed
//     access frequency and routes hot sites to the hot tier, continuously
//     adjusting the hot/cold threshold so the achieved hot-tier occupancy
//     tracks a target ratio.
//
// # Basic Usage
//
//	hot, _ := tierheap.NewHotKind(0)
//	cold, _ := tierheap.NewColdKind(0)
//
//	b := tierheap.NewBuilder(tierheap.PolicyDataHotness)
//	b.AddTier(hot, 1)
//	b.AddTier(cold, 3)
//
//	mem, err := b.Build()
//	if err != nil {
//	    // invalid policy/tier configuration or environment: fatal
//	}
//	defer mem.Close()
//
//	buf, _ := mem.Malloc(4096)
//	// ... use buf ...
//	mem.Free(buf)
//
// # Concurrency
//
// The allocation fast path never blocks: classification reads are lock-free,
// and the observation pipeline drops events instead of stalling the caller
// when its ring is full (correctness is preserved, accuracy degrades). A
// single background goroutine owns all bookkeeping state; a second one
// drains the hardware sample source.
package tierheap
