// Package bigary provides growable backing arenas: a large virtual address
// range is reserved up front with no physical backing, and pages are
// committed on demand up to the declared ceiling.
//
// An Array never shrinks and never moves. Pointers into the committed region
// stay valid for the lifetime of the Array, which makes it a suitable backing
// store for index-addressed tables and slab pools.
package bigary

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by bigary operations.
//
// Callers should use [errors.Is] to classify.
var (
	// ErrExceedsMax indicates a commit request beyond the declared ceiling.
	ErrExceedsMax = errors.New("bigary: exceeds declared maximum")

	// ErrClosed indicates the Array has already been closed.
	ErrClosed = errors.New("bigary: closed")
)

const (
	// DefaultMax is the reserved range used when no maximum is declared.
	DefaultMax = 16 << 30

	// CommitGranularity is the commit step. Commits are rounded up to this
	// boundary so the kernel can back the range with huge pages.
	CommitGranularity = 2 << 20
)

// Array is a reserved virtual range with a committed prefix.
//
// Ensure grows the committed prefix under an internal mutex; the fast path
// (already committed) is a single atomic load. All other methods are
// read-only once the Array is created.
type Array struct {
	mu sync.Mutex // serializes growth

	area     []byte
	declared uint64
	top      atomic.Uint64 // committed prefix length, bytes

	closed bool
}

// New reserves a range of max bytes (DefaultMax if max is 0) and commits the
// first CommitGranularity chunk.
func New(max uint64) (*Array, error) {
	if max == 0 {
		max = DefaultMax
	}

	max = alignUp(max)

	area, err := unix.Mmap(-1, 0, int(max),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("bigary: reserve %d bytes: %w", max, err)
	}

	a := &Array{
		area:     area,
		declared: max,
	}

	commitErr := unix.Mprotect(area[:CommitGranularity], unix.PROT_READ|unix.PROT_WRITE)
	if commitErr != nil {
		_ = unix.Munmap(area)

		return nil, fmt.Errorf("bigary: commit initial chunk: %w", commitErr)
	}

	a.top.Store(CommitGranularity)

	return a, nil
}

// Ensure commits the range [0, top), rounding top up to CommitGranularity.
// It is a no-op when the range is already committed.
func (a *Array) Ensure(top uint64) error {
	if a.top.Load() >= top {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.top.Load()
	if cur >= top { // re-check under lock
		return nil
	}

	top = alignUp(top)
	if top > a.declared {
		return fmt.Errorf("bigary: declared maximum is %d, %d requested: %w",
			a.declared, top, ErrExceedsMax)
	}

	err := unix.Mprotect(a.area[cur:top], unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return fmt.Errorf("bigary: commit [%d, %d): %w", cur, top, err)
	}

	a.top.Store(top)

	return nil
}

// Bytes returns the full reserved range. Only the first Top() bytes are
// committed; touching bytes beyond that faults.
func (a *Array) Bytes() []byte {
	return a.area
}

// Top returns the committed prefix length in bytes.
func (a *Array) Top() uint64 {
	return a.top.Load()
}

// Declared returns the reserved range size in bytes.
func (a *Array) Declared() uint64 {
	return a.declared
}

// Close unmaps the reserved range. All pointers into the Array become
// invalid.
func (a *Array) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	a.closed = true

	return unix.Munmap(a.area)
}

func alignUp(n uint64) uint64 {
	return (n + CommitGranularity - 1) &^ uint64(CommitGranularity-1)
}
