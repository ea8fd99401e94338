// Package registry tracks live allocations and groups them by allocation-site
// fingerprint into types, the unit of hotness accounting.
//
// Types and blocks live in index-addressed tables served by slab pools; two
// critnib indexes map fingerprint hashes to type indexes and block addresses
// to block indexes. Types are persistent identity: once created they are
// never freed. Blocks are recycled through the pool's free list.
//
// All mutations come from the single consumer goroutine. Mutators only call
// the lock-free read side (HotnessOfHash), which is why none of the write
// paths need a lock of their own.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lukaszgda/tierheap/pkg/critnib"
	"github.com/lukaszgda/tierheap/pkg/slab"
)

// Sentinel errors.
var (
	// ErrUnknownBlock indicates an unregister/realloc for an address with no
	// registered block. Non-fatal: the caller logs and drops the event.
	ErrUnknownBlock = errors.New("registry: unknown block")

	// ErrExhausted indicates a table or index ran out of capacity. The
	// registry degrades: the allocation stays untracked and later lookups
	// return NotFound.
	ErrExhausted = errors.New("registry: capacity exhausted")
)

// Hotness classification of a type. The zero value is Uninit.
type Hotness int32

const (
	// HotnessUninit marks a type that has never been touched.
	HotnessUninit Hotness = iota

	// HotnessInsufficientData marks a type inside its first measurement
	// window.
	HotnessInsufficientData

	// HotnessCold marks a type below the hot threshold.
	HotnessCold

	// HotnessHot marks a type at or above the hot threshold.
	HotnessHot
)

// NotFound is returned by lookups for unknown hashes or addresses.
const NotFound = Hotness(-1)

func (h Hotness) String() string {
	switch h {
	case HotnessUninit:
		return "uninit"
	case HotnessInsufficientData:
		return "insufficient-data"
	case HotnessCold:
		return "cold"
	case HotnessHot:
		return "hot"
	case NotFound:
		return "not-found"
	}

	return fmt.Sprintf("hotness(%d)", int32(h))
}

// Type is one allocation site. Fields are written by the consumer only; the
// classification is read lock-free by mutators, hence the atomic.
//
// Type must stay free of Go pointers: the table lives in arena memory the
// garbage collector does not scan.
type Type struct {
	Hash      uint64
	Size      uint64 // representative allocation size
	NumAllocs int64
	TotalSize int64

	// Hotness bookkeeping, owned by the ranking.
	Freq        float64
	LastTouch   uint64
	WindowStart uint64
	InRanking   bool

	state atomic.Int32
}

// State returns the classification. Safe to call from any goroutine.
func (t *Type) State() Hotness {
	return Hotness(t.state.Load())
}

// SetState publishes a new classification.
func (t *Type) SetState(h Hotness) {
	t.state.Store(int32(h))
}

// Block is one live allocation. Freed blocks are recycled through the slab
// pool's LIFO free list.
type Block struct {
	Addr    uint64
	Size    uint64
	TypeIdx uint32
}

// Registry owns the type and block tables and their indexes.
type Registry struct {
	types  *slab.Pool[Type]
	blocks *slab.Pool[Block]

	hashIdx *critnib.Critnib // hash -> type index
	addrIdx *critnib.Critnib // addr -> block index

	typeCount atomic.Uint64
}

// Options size the registry tables.
type Options struct {
	MaxTypes  uint64
	MaxBlocks uint64
}

// DefaultMaxTypes and DefaultMaxBlocks mirror the table ceilings of the
// original design: far more types than any workload has call sites, and an
// order of magnitude more blocks.
const (
	DefaultMaxTypes  = 1 << 20
	DefaultMaxBlocks = 16 << 20
)

// New creates an empty registry.
func New(opts Options) (*Registry, error) {
	if opts.MaxTypes == 0 {
		opts.MaxTypes = DefaultMaxTypes
	}

	if opts.MaxBlocks == 0 {
		opts.MaxBlocks = DefaultMaxBlocks
	}

	types, err := slab.NewPool[Type](opts.MaxTypes)
	if err != nil {
		return nil, fmt.Errorf("registry: types: %w", err)
	}

	blocks, err := slab.NewPool[Block](opts.MaxBlocks)
	if err != nil {
		return nil, fmt.Errorf("registry: blocks: %w", err)
	}

	hashIdx, err := critnib.New(opts.MaxTypes)
	if err != nil {
		return nil, fmt.Errorf("registry: hash index: %w", err)
	}

	addrIdx, err := critnib.New(opts.MaxBlocks)
	if err != nil {
		return nil, fmt.Errorf("registry: addr index: %w", err)
	}

	return &Registry{
		types:   types,
		blocks:  blocks,
		hashIdx: hashIdx,
		addrIdx: addrIdx,
	}, nil
}

// Close tears down tables and indexes. No reader may be active.
func (r *Registry) Close() error {
	for _, c := range []interface{ Close() error }{r.hashIdx, r.addrIdx, r.types, r.blocks} {
		if err := c.Close(); err != nil {
			return err
		}
	}

	return nil
}

// Register records a new live block, creating its type on first sight.
// Returns the type index and whether the type is new to the registry.
//
// Consumer goroutine only.
func (r *Registry) Register(hash, addr, size uint64) (typeIdx uint32, created bool, err error) {
	typeIdx, ok := r.hashIdx.Get(hash)
	if !ok {
		t, getErr := r.types.Get()
		if getErr != nil {
			return 0, false, fmt.Errorf("%w: types", ErrExhausted)
		}

		idx, idxErr := r.types.IndexOf(t)
		if idxErr != nil {
			return 0, false, idxErr
		}

		t.Hash = hash
		t.Size = size
		t.SetState(HotnessUninit)

		if insErr := r.hashIdx.Insert(hash, idx); insErr != nil {
			// Exhausted index: degrade, the type slot stays unused.
			return 0, false, fmt.Errorf("%w: hash index: %v", ErrExhausted, insErr)
		}

		typeIdx = idx
		created = true

		r.typeCount.Add(1)
	}

	t := r.types.At(typeIdx)
	t.NumAllocs++
	t.TotalSize += int64(size)

	b, err := r.blocks.Get()
	if err != nil {
		t.NumAllocs--
		t.TotalSize -= int64(size)

		return 0, false, fmt.Errorf("%w: blocks", ErrExhausted)
	}

	bIdx, err := r.blocks.IndexOf(b)
	if err != nil {
		return 0, false, err
	}

	b.Addr = addr
	b.Size = size
	b.TypeIdx = typeIdx

	if err := r.addrIdx.Insert(addr, bIdx); err != nil {
		t.NumAllocs--
		t.TotalSize -= int64(size)
		_ = r.blocks.Put(b)

		return 0, false, fmt.Errorf("%w: addr index: %v", ErrExhausted, err)
	}

	return typeIdx, created, nil
}

// Unregister removes the block at addr, returning its former type index and
// size.
//
// Consumer goroutine only.
func (r *Registry) Unregister(addr uint64) (typeIdx uint32, size uint64, err error) {
	bIdx, ok := r.addrIdx.Remove(addr)
	if !ok {
		return 0, 0, fmt.Errorf("%w: addr %#x", ErrUnknownBlock, addr)
	}

	b := r.blocks.At(bIdx)
	typeIdx = b.TypeIdx
	size = b.Size

	t := r.types.At(typeIdx)
	t.NumAllocs--
	t.TotalSize -= int64(size)

	b.Addr = 0
	b.Size = 0

	if err := r.blocks.Put(b); err != nil {
		return 0, 0, err
	}

	return typeIdx, size, nil
}

// Realloc moves a block to a new address and size. The block keeps its type:
// call-site identity is preserved across realloc.
//
// Consumer goroutine only.
func (r *Registry) Realloc(oldAddr, newAddr, newSize uint64) (typeIdx uint32, err error) {
	bIdx, ok := r.addrIdx.Remove(oldAddr)
	if !ok {
		return 0, fmt.Errorf("%w: addr %#x", ErrUnknownBlock, oldAddr)
	}

	b := r.blocks.At(bIdx)
	t := r.types.At(b.TypeIdx)

	t.TotalSize += int64(newSize) - int64(b.Size)

	b.Addr = newAddr
	b.Size = newSize

	if err := r.addrIdx.Insert(newAddr, bIdx); err != nil {
		// The block stays tracked in the table but unreachable by address;
		// later lookups degrade to NotFound.
		return b.TypeIdx, fmt.Errorf("%w: addr index: %v", ErrExhausted, err)
	}

	return b.TypeIdx, nil
}

// BlockAt returns the block covering addr, by predecessor lookup.
func (r *Registry) BlockAt(addr uint64) (*Block, uint32, bool) {
	_, bIdx, ok := r.addrIdx.FindLE(addr)
	if !ok {
		return nil, 0, false
	}

	b := r.blocks.At(bIdx)
	if addr >= b.Addr+b.Size {
		return nil, 0, false
	}

	return b, bIdx, true
}

// HotnessOfAddr classifies the block covering addr, NotFound when no block
// spans it.
func (r *Registry) HotnessOfAddr(addr uint64) (Hotness, uint32, bool) {
	b, _, ok := r.BlockAt(addr)
	if !ok {
		return NotFound, 0, false
	}

	return r.types.At(b.TypeIdx).State(), b.TypeIdx, true
}

// HotnessOfHash classifies a fingerprint. Lock-free; this is the mutator
// fast-path read.
func (r *Registry) HotnessOfHash(hash uint64) (Hotness, uint32, bool) {
	typeIdx, ok := r.hashIdx.Get(hash)
	if !ok {
		return NotFound, 0, false
	}

	return r.types.At(typeIdx).State(), typeIdx, true
}

// TypeAt returns the type at idx.
func (r *Registry) TypeAt(idx uint32) *Type {
	return r.types.At(idx)
}

// TypeByHash returns the type for a fingerprint.
func (r *Registry) TypeByHash(hash uint64) (*Type, uint32, bool) {
	idx, ok := r.hashIdx.Get(hash)
	if !ok {
		return nil, 0, false
	}

	return r.types.At(idx), idx, true
}

// TypeCount returns the number of distinct types ever registered.
func (r *Registry) TypeCount() uint64 {
	return r.typeCount.Load()
}

// ForEachType visits every type slot in creation order. The callback
// returning false stops the walk. Slots orphaned by index exhaustion are
// visited too; they carry zero counters and are never in the ranking.
//
// Consumer goroutine only: the walk reads counters the consumer mutates.
func (r *Registry) ForEachType(fn func(idx uint32, t *Type) bool) {
	n := r.types.Used()
	for i := uint64(0); i < n; i++ {
		if !fn(uint32(i), r.types.At(uint32(i))) {
			return
		}
	}
}
