// Package poolalloc implements a size-class pool allocator over a single
// reserved arena.
//
// Sizes are rounded up to power-of-two classes ("ranks"). Each rank keeps a
// LIFO free list of slots; allocation pops the list and otherwise
// bump-allocates from the arena, committing pages on demand. There is no
// coalescing: a slot stays in its rank forever.
//
// Because every allocation lives inside one contiguous reserved range, kind
// detection is a pair of pointer comparisons (Contains).
package poolalloc

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/lukaszgda/tierheap/pkg/bigary"
)

// Sentinel errors.
var (
	// ErrBadSize indicates a zero size or a size above the largest class.
	ErrBadSize = errors.New("poolalloc: unsupported size")

	// ErrBadAlign indicates a non-power-of-two alignment.
	ErrBadAlign = errors.New("poolalloc: alignment must be a power of two")

	// ErrForeignAddr indicates an address that does not belong to the pool.
	ErrForeignAddr = errors.New("poolalloc: address not from this pool")
)

const (
	minRank  = 4  // 16 B smallest class
	maxRank  = 30 // 1 GiB largest class
	numRanks = maxRank + 1

	// Every slot starts with headerSize bytes of padding; the 8 bytes
	// immediately before the returned payload hold the packed header.
	headerSize = 16
)

// header packed into the 8 bytes before each payload: the low 32 bits hold
// the rank, the high 32 bits the payload's offset from the slot start.
func packHeader(rank, backOff uint32) uint64 { return uint64(backOff)<<32 | uint64(rank) }

func unpackHeader(h uint64) (rank, backOff uint32) { return uint32(h), uint32(h >> 32) }

// Pool is one allocator instance; one Pool backs one memory kind.
type Pool struct {
	name string

	arena *bigary.Array
	base  uintptr

	mu       sync.Mutex // protects bump + free lists
	bump     uint64     // next unallocated arena offset
	free     [numRanks]uint64
	liveSlot [numRanks]uint64 // slots handed out and not yet freed
}

// New creates a pool named name with a reserved ceiling of max bytes
// (bigary.DefaultMax if zero).
func New(name string, max uint64) (*Pool, error) {
	arena, err := bigary.New(max)
	if err != nil {
		return nil, fmt.Errorf("poolalloc: %w", err)
	}

	return &Pool{
		name:  name,
		arena: arena,
		base:  uintptr(unsafe.Pointer(&arena.Bytes()[0])),
		bump:  headerSize, // offset 0 is reserved so addr==base is never a payload
	}, nil
}

// Name returns the pool's kind name.
func (p *Pool) Name() string { return p.name }

// Close releases the arena. All outstanding allocations become invalid.
func (p *Pool) Close() error { return p.arena.Close() }

func rankFor(n uint64) (int, error) {
	if n == 0 {
		return 0, ErrBadSize
	}

	r := bits.Len64(n - 1)
	if r < minRank {
		r = minRank
	}

	if r > maxRank {
		return 0, ErrBadSize
	}

	return r, nil
}

func classSize(rank int) uint64 { return 1 << rank }

func slotSize(rank int) uint64 { return headerSize + classSize(rank) }

// Alloc returns a slice of exactly size bytes. The backing slot is
// classSize(rank) bytes; UsableSize reports the slack.
func (p *Pool) Alloc(size uint64) ([]byte, error) {
	return p.alloc(size, 0)
}

// AllocAligned returns a slice of size bytes whose address is a multiple of
// align. align must be a power of two; zero means natural (8 byte)
// alignment.
func (p *Pool) AllocAligned(size, align uint64) ([]byte, error) {
	if align&(align-1) != 0 {
		return nil, ErrBadAlign
	}

	return p.alloc(size, align)
}

func (p *Pool) alloc(size, align uint64) ([]byte, error) {
	need := size
	if align > headerSize {
		need += align
	}

	rank, err := rankFor(need)
	if err != nil {
		return nil, err
	}

	slotOff, err := p.takeSlot(rank)
	if err != nil {
		return nil, err
	}

	payloadOff := slotOff + headerSize
	if align > headerSize {
		payloadOff = (payloadOff + align - 1) &^ (align - 1)
	}

	backOff := uint32(payloadOff - slotOff)
	p.storeHeader(payloadOff-8, packHeader(uint32(rank), backOff))

	return p.arena.Bytes()[payloadOff : payloadOff+size : slotOff+slotSize(rank)], nil
}

func (p *Pool) takeSlot(rank int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if off := p.free[rank]; off != 0 {
		p.free[rank] = p.loadHeader(off)
		p.liveSlot[rank]++

		return off, nil
	}

	off := p.bump
	end := off + slotSize(rank)

	if err := p.arena.Ensure(end); err != nil {
		return 0, fmt.Errorf("poolalloc: grow %s: %w", p.name, err)
	}

	p.bump = end
	p.liveSlot[rank]++

	return off, nil
}

// Free returns the slot owning addr to its rank's free list.
func (p *Pool) Free(addr uintptr) error {
	payloadOff, h, err := p.slotOf(addr)
	if err != nil {
		return err
	}

	rank, backOff := unpackHeader(h)
	slotOff := payloadOff - uint64(backOff)

	p.mu.Lock()
	// The slot's first word threads the free list.
	p.storeHeader(slotOff, p.free[rank])
	p.free[rank] = slotOff
	p.liveSlot[rank]--
	p.mu.Unlock()

	return nil
}

// Realloc allocates a new slot of size bytes, copies the old payload's
// usable prefix, and frees the old slot. The new allocation stays inside
// this pool.
func (p *Pool) Realloc(addr uintptr, size uint64) ([]byte, error) {
	oldUsable, err := p.UsableSize(addr)
	if err != nil {
		return nil, err
	}

	fresh, err := p.Alloc(size)
	if err != nil {
		return nil, err
	}

	n := oldUsable
	if size < n {
		n = size
	}

	oldOff := uint64(addr - p.base)
	copy(fresh, p.arena.Bytes()[oldOff:oldOff+n])

	if err := p.Free(addr); err != nil {
		return nil, err
	}

	return fresh, nil
}

// UsableSize returns the payload capacity of the slot owning addr.
func (p *Pool) UsableSize(addr uintptr) (uint64, error) {
	payloadOff, h, err := p.slotOf(addr)
	if err != nil {
		return 0, err
	}

	rank, backOff := unpackHeader(h)
	slotOff := payloadOff - uint64(backOff)

	return slotOff + slotSize(int(rank)) - payloadOff, nil
}

// Contains reports whether addr lies inside this pool's reserved range.
func (p *Pool) Contains(addr uintptr) bool {
	return addr >= p.base && addr < p.base+uintptr(p.arena.Declared())
}

// LiveSlots returns the number of outstanding allocations, summed over all
// ranks. Callers must not rely on it for correctness; it exists for
// observability.
func (p *Pool) LiveSlots() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total uint64
	for _, n := range p.liveSlot {
		total += n
	}

	return total
}

func (p *Pool) slotOf(addr uintptr) (uint64, uint64, error) {
	if !p.Contains(addr) || addr < p.base+headerSize {
		return 0, 0, ErrForeignAddr
	}

	payloadOff := uint64(addr - p.base)
	if payloadOff+8 > p.arena.Top() || payloadOff < 8 {
		return 0, 0, ErrForeignAddr
	}

	return payloadOff, p.loadHeader(payloadOff - 8), nil
}

func (p *Pool) loadHeader(off uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(&p.arena.Bytes()[off]))
}

func (p *Pool) storeHeader(off, v uint64) {
	*(*uint64)(unsafe.Pointer(&p.arena.Bytes()[off])) = v
}
