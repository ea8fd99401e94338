package tierheap

import (
	"math"
	"sync/atomic"
)

// memThreshold is one live size boundary of the dynamic-threshold policy.
// val is read lock-free on the allocation path; min/max/expNormRatio are
// immutable after Build; ratioDiff is written under thresMu only.
type memThreshold struct {
	val          atomic.Uint64
	min, max     uint64
	expNormRatio float64
	ratioDiff    float64
}

func (m *Memory) thresholdVal(i int) uint64 {
	return m.thres[i].val.Load()
}

// updateCfg runs the policy's periodic self-adjustment from the allocation
// path. Only the dynamic-threshold policy has work to do here.
func (m *Memory) updateCfg() {
	if m.policy != PolicyDynamicThreshold {
		return
	}

	if m.thresCheckCnt.Add(-1) > 0 {
		return
	}

	m.thresMu.Lock()
	defer m.thresMu.Unlock()

	// Re-check: another goroutine may have adjusted while we waited.
	if m.thresCheckCnt.Load() > 0 {
		return
	}

	// For every pair of adjacent tiers, move the boundary by degree when
	// the observed ratio drifted past trigger and is not already
	// recovering.
	for i, th := range m.thres {
		prevBytes := m.cnt.tierBytes(i)
		nextBytes := m.cnt.tierBytes(i + 1)

		currentRatio := -1.0

		if prevBytes > 0 {
			currentRatio = float64(nextBytes) / float64(prevBytes)
			prevDiff := th.ratioDiff
			th.ratioDiff = math.Abs(currentRatio - th.expNormRatio)

			if th.ratioDiff < thresholdTrigger || th.ratioDiff < prevDiff {
				continue
			}
		}

		step := uint64(math.Ceil(float64(th.val.Load()) * thresholdDegree))

		if prevBytes == 0 || currentRatio > th.expNormRatio {
			if higher := th.val.Load() + step; higher <= th.max {
				th.val.Store(higher)
			}
		} else {
			if lower := th.val.Load() - step; lower >= th.min {
				th.val.Store(lower)
			}
		}
	}

	m.thresCheckCnt.Store(thresholdCheckCnt)
}
