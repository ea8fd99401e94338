package tierheap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lukaszgda/tierheap/internal/fingerprint"
	"github.com/lukaszgda/tierheap/internal/pebs"
	"github.com/lukaszgda/tierheap/internal/ranking"
	"github.com/lukaszgda/tierheap/internal/registry"
	"github.com/lukaszgda/tierheap/pkg/eventring"
)

// Memory is one tiered heap. Create it through a Builder.
type Memory struct {
	policy Policy
	tiers  []tierCfg
	logger log.Logger

	cnt *counters

	// Dynamic-threshold state.
	thres         []*memThreshold
	thresMu       sync.Mutex
	thresCheckCnt atomic.Int64

	// Hotness pipeline (nil outside PolicyDataHotness).
	hotTier  int
	coldTier int
	env      envConfig
	reg      *registry.Registry
	rank     *ranking.Ranking
	ctrl     *ranking.Controller
	ring     *eventring.Ring[event]
	sampler  *pebs.Worker
	touchCbs map[uint32]touchCb

	dropped atomic.Uint64
	closed  atomic.Bool

	stop chan struct{}
	done chan struct{}

	metrics *metrics
}

type touchCb struct {
	fn  TouchCallback
	arg any
}

// fingerprintSkip drops Malloc and routeAlloc from the hashed stack so the
// fingerprint starts at the caller.
const fingerprintSkip = 2

// Malloc allocates size bytes on the tier the policy selects.
func (m *Memory) Malloc(size uint64) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	tier, hash := m.routeAlloc(size)

	buf, err := m.tiers[tier].kind.Alloc(size)
	if err != nil {
		return nil, err
	}

	m.postAlloc(tier, hash, buf)
	m.updateCfg()

	return buf, nil
}

// Calloc allocates zeroed storage for num elements of size bytes.
func (m *Memory) Calloc(num, size uint64) ([]byte, error) {
	total := num * size
	if num != 0 && total/num != size {
		return nil, fmt.Errorf("%w: calloc overflow", ErrInvalidArgument)
	}

	buf, err := m.Malloc(total)
	if err != nil {
		return nil, err
	}

	clear(buf)

	return buf, nil
}

// PosixMemalign allocates size bytes aligned to align, which must be a
// power of two and a multiple of the pointer size.
func (m *Memory) PosixMemalign(align, size uint64) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	if align == 0 || align&(align-1) != 0 || align%uint64(unsafe.Sizeof(uintptr(0))) != 0 {
		return nil, fmt.Errorf("%w: alignment %d", ErrInvalidArgument, align)
	}

	tier, hash := m.routeAlloc(size)

	buf, err := m.tiers[tier].kind.AllocAligned(size, align)
	if err != nil {
		return nil, err
	}

	m.postAlloc(tier, hash, buf)
	m.updateCfg()

	return buf, nil
}

// Realloc resizes the allocation at buf inside its current kind. A nil buf
// allocates; a zero size frees and returns nil.
func (m *Memory) Realloc(buf []byte, size uint64) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	if buf == nil {
		if size == 0 {
			return nil, nil
		}

		return m.Malloc(size)
	}

	addr := sliceAddr(buf)

	tier, ok := m.detectTier(addr)
	if !ok {
		return nil, fmt.Errorf("%w: foreign address %#x", ErrInvalidArgument, addr)
	}

	kind := m.tiers[tier].kind

	oldUsable, err := kind.UsableSize(addr)
	if err != nil {
		return nil, err
	}

	if size == 0 {
		m.pushOrDrop(event{kind: evDestroyRemove, addr: uint64(addr), size: oldUsable})
		m.cnt.decrement(tier, oldUsable)

		if err := kind.Free(addr); err != nil {
			return nil, err
		}

		m.updateCfg()

		return nil, nil
	}

	m.cnt.decrement(tier, oldUsable)

	fresh, err := kind.Realloc(addr, size)
	if err != nil {
		m.cnt.increment(tier, oldUsable)

		return nil, err
	}

	newAddr := sliceAddr(fresh)

	newUsable, err := kind.UsableSize(newAddr)
	if err != nil {
		return nil, err
	}

	m.cnt.increment(tier, newUsable)

	// The block keeps its original type: call-site identity survives
	// realloc.
	m.pushOrDrop(event{
		kind:    evRealloc,
		addr:    uint64(addr),
		newAddr: uint64(newAddr),
		size:    oldUsable,
		newSize: newUsable,
	})

	m.updateCfg()

	return fresh, nil
}

// Free releases an allocation returned by Malloc, Calloc, PosixMemalign or
// Realloc. Free(nil) is a no-op.
func (m *Memory) Free(buf []byte) error {
	if buf == nil {
		return nil
	}

	return m.FreeAddr(sliceAddr(buf))
}

// FreeAddr releases the allocation at addr.
func (m *Memory) FreeAddr(addr uintptr) error {
	if m.closed.Load() {
		return ErrClosed
	}

	tier, ok := m.detectTier(addr)
	if !ok {
		return fmt.Errorf("%w: foreign address %#x", ErrInvalidArgument, addr)
	}

	kind := m.tiers[tier].kind

	usable, err := kind.UsableSize(addr)
	if err != nil {
		return err
	}

	m.pushOrDrop(event{kind: evDestroyRemove, addr: uint64(addr), size: usable})
	m.cnt.decrement(tier, usable)

	return kind.Free(addr)
}

// UsableSize reports the allocated capacity behind buf.
func (m *Memory) UsableSize(buf []byte) (uint64, error) {
	addr := sliceAddr(buf)

	tier, ok := m.detectTier(addr)
	if !ok {
		return 0, fmt.Errorf("%w: foreign address %#x", ErrInvalidArgument, addr)
	}

	return m.tiers[tier].kind.UsableSize(addr)
}

// DetectKind returns the kind owning addr.
func (m *Memory) DetectKind(addr uintptr) (Kind, bool) {
	tier, ok := m.detectTier(addr)
	if !ok {
		return nil, false
	}

	return m.tiers[tier].kind, true
}

// Touch records an explicit access to addr at timestamp ts, as if the
// sample source had observed it.
func (m *Memory) Touch(addr uintptr, ts uint64) {
	if m.policy != PolicyDataHotness {
		return
	}

	m.pushOrDrop(event{kind: evTouch, addr: uint64(addr), timestamp: ts})
}

// TouchAll folds one access of the given hotness into every registered type
// at timestamp ts. Types that stopped being touched keep decaying through
// these maintenance sweeps.
func (m *Memory) TouchAll(ts uint64, hotness float64) {
	if m.policy != PolicyDataHotness {
		return
	}

	m.pushOrDrop(event{kind: evTouchAll, timestamp: ts, hotness: hotness})
}

// SetTouchCallback arranges for cb to run (on the consumer goroutine)
// whenever the type owning addr is touched while hot.
func (m *Memory) SetTouchCallback(addr uintptr, cb TouchCallback, arg any) {
	if m.policy != PolicyDataHotness {
		return
	}

	m.pushOrDrop(event{kind: evSetTouchCB, addr: uint64(addr), cb: cb, cbArg: arg})
}

// SetProcessTouches gates the sampling worker without tearing it down.
func (m *Memory) SetProcessTouches(process bool) {
	if m.sampler != nil {
		m.sampler.SetProcessTouches(process)
	}
}

// ActualHotToTotalRatio returns the observed hot-tier byte share.
func (m *Memory) ActualHotToTotalRatio() float64 {
	return m.cnt.actual()
}

// DesiredHotToTotalRatio returns the configured target share.
func (m *Memory) DesiredHotToTotalRatio() float64 {
	return m.cnt.desiredRatio
}

// TotalSize returns the live bytes across all tiers.
func (m *Memory) TotalSize() uint64 {
	m.cnt.flushAll(len(m.tiers))

	return m.cnt.total()
}

// MeasureWindow returns the hotness measurement window in timestamp units;
// zero outside the hotness policy.
func (m *Memory) MeasureWindow() uint64 {
	if m.policy != PolicyDataHotness {
		return 0
	}

	return m.env.window
}

// DroppedEvents returns how many observation events were dropped on a full
// ring. Dropping loses accuracy, never correctness.
func (m *Memory) DroppedEvents() uint64 {
	return m.dropped.Load()
}

// HotThreshold returns the last published hot threshold.
func (m *Memory) HotThreshold() float64 {
	if m.rank == nil {
		return 0
	}

	return m.rank.Threshold()
}

// AddrHotness returns the decayed frequency of the type owning addr, -1
// when unknown.
func (m *Memory) AddrHotness(addr uintptr) float64 {
	if m.reg == nil {
		return -1
	}

	_, typeIdx, ok := m.reg.HotnessOfAddr(uint64(addr))
	if !ok {
		return -1
	}

	return m.reg.TypeAt(typeIdx).Freq
}

// TypeHotness returns the decayed frequency of the type behind a
// fingerprint, -1 when unknown.
func (m *Memory) TypeHotness(hash uint64) float64 {
	if m.reg == nil {
		return -1
	}

	_, typeIdx, ok := m.reg.HotnessOfHash(hash)
	if !ok {
		return -1
	}

	return m.reg.TypeAt(typeIdx).Freq
}

// HashHotness returns the classification for a fingerprint.
func (m *Memory) HashHotness(hash uint64) Hotness {
	if m.reg == nil {
		return HotnessNotFound
	}

	state, _, ok := m.reg.HotnessOfHash(hash)
	if !ok {
		return HotnessNotFound
	}

	return hotnessFrom(state)
}

// AddrHotnessClass returns the classification of the block covering addr.
func (m *Memory) AddrHotnessClass(addr uintptr) Hotness {
	if m.reg == nil {
		return HotnessNotFound
	}

	state, _, ok := m.reg.HotnessOfAddr(uint64(addr))
	if !ok {
		return HotnessNotFound
	}

	return hotnessFrom(state)
}

// Close drains and stops the pipeline: sampler first, then the consumer,
// then the indexes and arenas. Tier kinds stay open; they belong to the
// caller.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}

	if m.policy != PolicyDataHotness {
		return nil
	}

	m.sampler.Stop()

	close(m.stop)
	<-m.done

	if err := m.rank.Close(); err != nil {
		return err
	}

	return m.reg.Close()
}

// routeAlloc picks the destination tier and, for the hotness policy,
// computes the call-site fingerprint.
func (m *Memory) routeAlloc(size uint64) (int, uint64) {
	switch m.policy {
	case PolicyDataHotness:
		hash := fingerprint.Hash(fingerprintSkip, size)

		state, _, ok := m.reg.HotnessOfHash(hash)
		if !ok {
			// First sighting: optimistic placement on the hot tier.
			return m.hotTier, hash
		}

		switch state {
		case registry.HotnessCold:
			return m.coldTier, hash
		default:
			return m.hotTier, hash
		}
	case PolicyDynamicThreshold:
		for i := range m.thres {
			if size < m.thresholdVal(i) {
				return i, 0
			}
		}

		return len(m.thres), 0
	default:
		return m.staticTier(), 0
	}
}

// staticTier balances flushed byte counters toward the ratio weights.
func (m *Memory) staticTier() int {
	if len(m.tiers) == 1 {
		return 0
	}

	dest := 0
	size0 := float64(m.cnt.tierBytes(0))

	for i := 1; i < len(m.tiers); i++ {
		if float64(m.cnt.tierBytes(i))*m.tiers[i].norm < size0 {
			dest = i
		}
	}

	return dest
}

func (m *Memory) postAlloc(tier int, hash uint64, buf []byte) {
	addr := sliceAddr(buf)

	usable, err := m.tiers[tier].kind.UsableSize(addr)
	if err != nil {
		usable = uint64(len(buf))
	}

	m.cnt.increment(tier, usable)

	if m.policy == PolicyDataHotness {
		m.pushOrDrop(event{kind: evCreateAdd, hash: hash, addr: uint64(addr), size: usable})
	}
}

func (m *Memory) pushOrDrop(ev event) {
	if m.ring == nil {
		return
	}

	if !m.ring.Push(ev) {
		m.dropped.Add(1)
	}
}

func (m *Memory) detectTier(addr uintptr) (int, bool) {
	for i, t := range m.tiers {
		if t.kind.Contains(addr) {
			return i, true
		}
	}

	return 0, false
}

func (m *Memory) warn(keyvals ...any) {
	_ = level.Warn(m.logger).Log(keyvals...)
}

func sliceAddr(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(unsafe.SliceData(b[:1])))
}
