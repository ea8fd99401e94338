package tierheap

import (
	"github.com/lukaszgda/tierheap/pkg/poolalloc"
)

// Well-known kind names. The data-hotness policy requires exactly one tier
// whose kind is named KindHot.
const (
	KindHot  = "hot"
	KindCold = "cold"
)

// Kind is one backing memory class with distinct performance and capacity.
// [poolalloc.Pool] is the built-in implementation; embedders may supply
// their own.
//
// Alloc and Free must be safe for concurrent use. Contains must answer from
// immutable state: the placement path calls it lock-free.
type Kind interface {
	Name() string

	Alloc(size uint64) ([]byte, error)
	AllocAligned(size, align uint64) ([]byte, error)
	Free(addr uintptr) error
	Realloc(addr uintptr, size uint64) ([]byte, error)
	UsableSize(addr uintptr) (uint64, error)

	// Contains reports whether addr belongs to this kind; kind detection
	// for free/realloc is a Contains sweep over the configured tiers.
	Contains(addr uintptr) bool
}

// NewKind creates a pool-allocator backed kind with a reserved ceiling of
// max bytes (a large default when zero).
func NewKind(name string, max uint64) (Kind, error) {
	return poolalloc.New(name, max)
}

// NewHotKind creates the fast, capacity-limited kind.
func NewHotKind(max uint64) (Kind, error) {
	return NewKind(KindHot, max)
}

// NewColdKind creates the slower capacity kind.
func NewColdKind(max uint64) (Kind, error) {
	return NewKind(KindCold, max)
}
