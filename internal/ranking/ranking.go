// Package ranking orders allocation types by decayed access frequency and
// answers "which frequency splits the allocated bytes at ratio r" through a
// weighted-rank AVL tree.
//
// The ranking also houses the closed-loop threshold controller that corrects
// the requested ratio when the observed hot-tier share drifts from the
// target.
//
// A single mutex serializes structural changes; it is only ever taken by the
// consumer goroutine, so it never contends with mutators. The published
// threshold is an atomic scalar readable from anywhere.
package ranking

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/lukaszgda/tierheap/internal/registry"
	"github.com/lukaszgda/tierheap/pkg/wre"
)

// Ranking holds every registered type keyed by its current frequency and
// weighted by its live bytes.
type Ranking struct {
	mu   sync.Mutex
	tree *wre.Tree

	// weightOld is the decay base: a touch after one full window multiplies
	// the previous frequency by weightOld.
	weightOld float64

	// window is the measurement window W in timestamp units (nanoseconds).
	window uint64

	threshold atomicFloat
}

// New creates a ranking. weightOld must lie in (0,1); window must be
// positive.
func New(weightOld float64, window uint64, maxTypes uint64) (*Ranking, error) {
	if weightOld <= 0 || weightOld >= 1 {
		return nil, fmt.Errorf("ranking: weightOld %v outside (0,1)", weightOld)
	}

	if window == 0 {
		return nil, fmt.Errorf("ranking: window must be positive")
	}

	tree, err := wre.New(byFreqThenIndex, maxTypes)
	if err != nil {
		return nil, err
	}

	return &Ranking{
		tree:      tree,
		weightOld: weightOld,
		window:    window,
	}, nil
}

// byFreqThenIndex is a strict total order: frequency first, type index as a
// tie breaker so equal frequencies stay removable.
func byFreqThenIndex(a, b wre.Entry) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}

	return a.Ref < b.Ref
}

// Close releases the tree.
func (r *Ranking) Close() error {
	return r.tree.Close()
}

func entryOf(t *registry.Type, idx uint32) wre.Entry {
	return wre.Entry{Key: t.Freq, Ref: uint64(idx)}
}

// Add inserts a type. No-op when the type is already ranked.
func (r *Ranking) Add(t *registry.Type, idx uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.InRanking {
		return nil
	}

	if err := r.tree.Put(entryOf(t, idx), uint64(t.TotalSize)); err != nil {
		return err
	}

	t.InRanking = true

	return nil
}

// Remove takes a type out of the ranking. No-op when absent.
func (r *Ranking) Remove(t *registry.Type, idx uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !t.InRanking {
		return nil
	}

	if err := r.tree.Remove(entryOf(t, idx)); err != nil {
		return err
	}

	t.InRanking = false

	return nil
}

// UpdateWeight re-registers a ranked type under its current TotalSize. The
// entry must leave the tree before its weight changes.
func (r *Ranking) UpdateWeight(t *registry.Type, idx uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.rekey(t, idx, t.Freq)
}

// rekey removes and re-inserts a ranked type, giving it frequency newFreq.
// Must hold mu.
func (r *Ranking) rekey(t *registry.Type, idx uint32, newFreq float64) error {
	if t.InRanking {
		if err := r.tree.Remove(entryOf(t, idx)); err != nil {
			return err
		}

		t.InRanking = false
	}

	t.Freq = newFreq

	if t.TotalSize < 0 {
		t.TotalSize = 0
	}

	if err := r.tree.Put(wre.Entry{Key: newFreq, Ref: uint64(idx)}, uint64(t.TotalSize)); err != nil {
		return err
	}

	t.InRanking = true

	return nil
}

// Touch folds one access at time ts into the type's frequency:
//
//	f <- weightOld^(delta/W) * f + add
//
// an exponential moving average whose weight halves every
// W * log(0.5)/log(weightOld) time units. The frequency never goes
// negative.
//
// Touch also drives the classification state machine: the first touch arms
// the measurement window; once a full window has elapsed the type becomes
// classifiable and is marked hot or cold against the published threshold.
func (r *Ranking) Touch(t *registry.Type, idx uint32, ts uint64, add float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var delta uint64
	if ts > t.LastTouch {
		delta = ts - t.LastTouch
	}

	f := t.Freq
	if t.LastTouch != 0 {
		f *= math.Pow(r.weightOld, float64(delta)/float64(r.window))
	}

	f += add
	if f < 0 {
		f = 0
	}

	if err := r.rekey(t, idx, f); err != nil {
		return err
	}

	t.LastTouch = ts

	switch t.State() {
	case registry.HotnessUninit:
		t.WindowStart = ts
		t.SetState(registry.HotnessInsufficientData)
	case registry.HotnessInsufficientData:
		if ts >= t.WindowStart+r.window {
			t.SetState(r.classify(t))
		}
	default:
		t.SetState(r.classify(t))
	}

	return nil
}

func (r *Ranking) classify(t *registry.Type) registry.Hotness {
	if t.Freq >= r.threshold.Load() {
		return registry.HotnessHot
	}

	return registry.HotnessCold
}

// IsHot reports whether the type clears the last computed threshold.
func (r *Ranking) IsHot(t *registry.Type) bool {
	return t.Freq >= r.threshold.Load()
}

// Threshold returns the last computed hot threshold.
func (r *Ranking) Threshold() float64 {
	return r.threshold.Load()
}

// HotThresholdForRatio recomputes and publishes the frequency above which
// the fraction of ranked bytes is approximately ratio.
//
// Special cases: ratio 0 yields +Inf (nothing is hot), ratio 1 yields 0
// (everything is hot), and an empty ranking yields 0.
func (r *Ranking) HotThresholdForRatio(ratio float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var thresh float64

	switch {
	case ratio <= 0:
		thresh = math.Inf(1)
	case ratio >= 1:
		thresh = 0
	default:
		e, ok := r.tree.FindWeighted(1 - ratio)
		if !ok {
			thresh = 0
		} else {
			thresh = e.Key
		}
	}

	r.threshold.Store(thresh)

	return thresh
}

// Size returns the number of ranked types.
func (r *Ranking) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tree.Size()
}

// TotalWeight returns the ranked bytes.
func (r *Ranking) TotalWeight() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tree.TotalWeight()
}

// atomicFloat is a float64 published with relaxed ordering; stale reads only
// misroute a bounded number of allocations until the next republish.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}
