// Package eventring provides a bounded multi-producer, single-consumer queue
// of fixed-size records.
//
// Pushes are wait-free per attempt and never block the caller: on a full
// ring Push returns false and the record is dropped by the caller. Pop is
// single-consumer only.
//
// The default implementation is lock-free; Options.Locked selects a
// mutex-based variant with identical external behavior, useful when
// diagnosing ordering issues.
package eventring

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCapacity indicates a non-positive capacity was requested.
var ErrCapacity = errors.New("eventring: capacity must be positive")

// Slot states. A slot cycles FREE -> WRITING -> READY -> READING -> FREE.
const (
	slotFree uint32 = iota
	slotWriting
	slotReady
	slotReading
)

// Options configure a Ring.
type Options struct {
	// Locked replaces the lock-free protocol with a single mutex.
	Locked bool
}

// Ring is a bounded MPSC queue of T values. Values are copied in on Push and
// out on Pop.
type Ring[T any] struct {
	capacity uint64

	// Lock-free state. used counts slots between producer claim and
	// consumer release; unavailableRead starts at capacity and tracks slots
	// not yet readable.
	used            atomic.Int64
	unavailableRead atomic.Int64
	head            atomic.Uint64
	tail            atomic.Uint64

	state []atomic.Uint32
	data  []T

	// Mutex variant.
	locked bool
	mu     sync.Mutex
	mHead  uint64
	mCount uint64
}

// New creates a ring with the given capacity.
func New[T any](capacity int, opts Options) (*Ring[T], error) {
	if capacity < 1 {
		return nil, ErrCapacity
	}

	r := &Ring[T]{
		capacity: uint64(capacity),
		state:    make([]atomic.Uint32, capacity),
		data:     make([]T, capacity),
		locked:   opts.Locked,
	}

	if !opts.Locked {
		r.unavailableRead.Store(int64(capacity))
	}

	return r, nil
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return int(r.capacity)
}

// Len returns the current occupancy: successful pushes minus successful
// pops. The value is approximate while producers are active.
func (r *Ring[T]) Len() int {
	if r.locked {
		r.mu.Lock()
		defer r.mu.Unlock()

		return int(r.mCount)
	}

	n := r.used.Load()
	if n < 0 {
		return 0
	}

	if n > int64(r.capacity) {
		return int(r.capacity)
	}

	return int(n)
}

// Push copies v into the ring. It returns false when the ring is full; the
// caller decides whether dropping is acceptable.
func (r *Ring[T]) Push(v T) bool {
	if r.locked {
		return r.lockedPush(v)
	}

	// Reserve occupancy first; rolls back on a full ring.
	if prev := r.used.Add(1); prev > int64(r.capacity) {
		r.used.Add(-1)

		return false
	}

	// Claim a slot index.
	var idx uint64

	for {
		old := r.tail.Load()
		if r.tail.CompareAndSwap(old, (old+1)%r.capacity) {
			idx = old

			break
		}
	}

	// The claimed slot must be FREE; anything else means the consumer has
	// not yet released it (an out-of-order overlap). Roll back the
	// reservation and report full.
	if !r.state[idx].CompareAndSwap(slotFree, slotWriting) {
		r.used.Add(-1)

		return false
	}

	r.data[idx] = v

	// Publish: the payload write above happens-before the READY store,
	// which happens-before the reader-availability decrement.
	r.state[idx].Store(slotReady)
	r.unavailableRead.Add(-1)

	return true
}

// Pop copies the oldest record out of the ring. It returns false when the
// ring is empty. Pop must only be called from a single consumer goroutine.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T

	if r.locked {
		return r.lockedPop()
	}

	if prev := r.unavailableRead.Add(1); prev > int64(r.capacity) {
		r.unavailableRead.Add(-1)

		return zero, false
	}

	var idx uint64

	for {
		old := r.head.Load()
		if r.head.CompareAndSwap(old, (old+1)%r.capacity) {
			idx = old

			break
		}
	}

	if !r.state[idx].CompareAndSwap(slotReady, slotReading) {
		// The producer that claimed this slot has not published yet.
		// Single consumer: rolling the head back cannot race another pop.
		r.head.Store(idx)
		r.unavailableRead.Add(-1)

		return zero, false
	}

	v := r.data[idx]
	r.data[idx] = zero

	r.state[idx].Store(slotFree)
	r.used.Add(-1)

	return v, true
}

func (r *Ring[T]) lockedPush(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mCount == r.capacity {
		return false
	}

	idx := (r.mHead + r.mCount) % r.capacity
	r.data[idx] = v
	r.mCount++

	return true
}

func (r *Ring[T]) lockedPop() (T, bool) {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mCount == 0 {
		return zero, false
	}

	idx := r.mHead
	v := r.data[idx]
	r.data[idx] = zero
	r.mHead = (r.mHead + 1) % r.capacity
	r.mCount--

	return v, true
}
