// Package critnib implements a compressed trie over 64-bit keys with 4-bit
// nibbles, offering identity lookup (like a hash map) and predecessor
// ("<=") lookup (like a search tree).
//
// Readers are lock-free and take no locks; a single global mutex serializes
// writers. Removed nodes are parked in a bounded ring and recycled only after
// DeletedLife subsequent removals; readers snapshot the removal counter
// around each descent and retry when the delta exceeds the grace period.
// The resulting contract: Get and FindLE return a value that was current at
// some instant between call start and return.
package critnib

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/lukaszgda/tierheap/pkg/slab"
)

// Sentinel errors returned by Insert.
var (
	// ErrExists indicates the key is already present.
	ErrExists = errors.New("critnib: key exists")

	// ErrNoMem indicates the node pool is exhausted.
	ErrNoMem = errors.New("critnib: node pool exhausted")
)

// DeletedLife is the number of subsequent removals a removed node survives
// before its memory may be recycled. Readers that observe more than
// DeletedLife removals during a descent restart the descent.
const DeletedLife = 16

const (
	slice   = 4
	nib     = uint64(1)<<slice - 1
	slnodes = 1 << slice

	leafBit = uint32(1) << 31
)

// cnode is an interior node. path holds the bits common to every key below
// this node; shift is the bit position of the nibble this level decides.
//
// Child slots are read by lock-free readers and written under the writer
// mutex, hence the atomic slots.
type cnode struct {
	child [slnodes]atomic.Uint32
	path  uint64
	shift uint8
}

// cleaf holds one key/value pair. next threads the deferred-free list.
type cleaf struct {
	key   uint64
	value uint32
	next  uint32
}

// Critnib is the index. The zero value is not usable; call New.
type Critnib struct {
	mu sync.Mutex // writers only

	root        atomic.Uint32
	removeCount atomic.Uint64

	nodes  *slab.Pool[cnode]
	leaves *slab.Pool[cleaf]

	// Free lists of recycled handles; threaded through child[0] (nodes)
	// and next (leaves). Handles never return to the slab pools so stale
	// readers always land inside owned memory.
	freeNodes  uint32
	freeLeaves uint32

	// Removed but not yet recyclable handles, indexed by removal count
	// modulo DeletedLife.
	pendingNodes  [DeletedLife]uint32
	pendingLeaves [DeletedLife]uint32
}

// New creates an index able to hold up to maxKeys keys.
func New(maxKeys uint64) (*Critnib, error) {
	// Every insert adds one leaf and at most one interior node.
	nodes, err := slab.NewPool[cnode](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("critnib: %w", err)
	}

	leaves, err := slab.NewPool[cleaf](maxKeys)
	if err != nil {
		_ = nodes.Close()

		return nil, fmt.Errorf("critnib: %w", err)
	}

	return &Critnib{nodes: nodes, leaves: leaves}, nil
}

// Close releases the backing pools. No operation may run concurrently with
// or after Close.
func (c *Critnib) Close() error {
	if err := c.nodes.Close(); err != nil {
		return err
	}

	return c.leaves.Close()
}

func isLeaf(h uint32) bool { return h&leafBit != 0 }

func (c *Critnib) leafAt(h uint32) *cleaf { return c.leaves.At((h &^ leafBit) - 1) }

func (c *Critnib) nodeAt(h uint32) *cnode { return c.nodes.At(h - 1) }

func pathMask(shift uint8) uint64 { return ^nib << shift }

func sliceIndex(key uint64, shift uint8) int { return int(key >> shift & nib) }

// allocLeaf pops the recycle list or takes a fresh slab slot.
// Must hold mu.
func (c *Critnib) allocLeaf() (uint32, error) {
	if c.freeLeaves != 0 {
		h := c.freeLeaves
		c.freeLeaves = c.leafAt(h).next

		return h, nil
	}

	l, err := c.leaves.Get()
	if err != nil {
		return 0, ErrNoMem
	}

	idx, err := c.leaves.IndexOf(l)
	if err != nil {
		return 0, err
	}

	return idx + 1 | leafBit, nil
}

// allocNode pops the recycle list or takes a fresh slab slot.
// Must hold mu.
func (c *Critnib) allocNode() (uint32, error) {
	if c.freeNodes != 0 {
		h := c.freeNodes
		c.freeNodes = c.nodeAt(h).child[0].Load()

		return h, nil
	}

	n, err := c.nodes.Get()
	if err != nil {
		return 0, ErrNoMem
	}

	idx, err := c.nodes.IndexOf(n)
	if err != nil {
		return 0, err
	}

	return idx + 1, nil
}

// recycle moves a pending handle onto the free lists. Must hold mu.
func (c *Critnib) recycle(slot uint64) {
	if h := c.pendingNodes[slot]; h != 0 {
		c.nodeAt(h).child[0].Store(c.freeNodes)
		c.freeNodes = h
		c.pendingNodes[slot] = 0
	}

	if h := c.pendingLeaves[slot]; h != 0 {
		c.leafAt(h).next = c.freeLeaves
		c.freeLeaves = h
		c.pendingLeaves[slot] = 0
	}
}

// Insert writes a key/value pair. It returns ErrExists when the key is
// already present and ErrNoMem when the node pool is exhausted; in both
// cases the index is unchanged.
func (c *Critnib) Insert(key uint64, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kn, err := c.allocLeaf()
	if err != nil {
		return err
	}

	lf := c.leafAt(kn)
	lf.key = key
	lf.value = value

	n := c.root.Load()
	if n == 0 {
		c.root.Store(kn)

		return nil
	}

	parent := &c.root
	prev := n

	for n != 0 && !isLeaf(n) && key&pathMask(c.nodeAt(n).shift) == c.nodeAt(n).path {
		prev = n
		parent = &c.nodeAt(n).child[sliceIndex(key, c.nodeAt(n).shift)]
		n = parent.Load()
	}

	if n == 0 {
		c.nodeAt(prev).child[sliceIndex(key, c.nodeAt(prev).shift)].Store(kn)

		return nil
	}

	var path uint64
	if isLeaf(n) {
		path = c.leafAt(n).key
	} else {
		path = c.nodeAt(n).path
	}

	// Find where the path diverges from our key.
	at := path ^ key
	if at == 0 {
		c.freeLeaf(kn)

		return ErrExists
	}

	sh := uint8(63-bits.LeadingZeros64(at)) &^ (slice - 1)

	mh, err := c.allocNode()
	if err != nil {
		c.freeLeaf(kn)

		return ErrNoMem
	}

	m := c.nodeAt(mh)
	for i := range m.child {
		m.child[i].Store(0)
	}

	m.child[sliceIndex(key, sh)].Store(kn)
	m.child[sliceIndex(path, sh)].Store(n)
	m.shift = sh
	m.path = key & pathMask(sh)
	parent.Store(mh)

	return nil
}

// freeLeaf returns an unpublished leaf straight to the free list; no grace
// period is needed because no reader ever saw it. Must hold mu.
func (c *Critnib) freeLeaf(h uint32) {
	c.leafAt(h).next = c.freeLeaves
	c.freeLeaves = h
}

// Remove deletes a key and returns its value.
func (c *Critnib) Remove(key uint64) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.root.Load()
	if n == 0 {
		return 0, false
	}

	del := c.removeCount.Add(1) - 1
	slot := del % DeletedLife
	c.recycle(slot)

	if isLeaf(n) {
		lf := c.leafAt(n)
		if lf.key != key {
			return 0, false
		}

		c.root.Store(0)
		c.pendingLeaves[slot] = n

		return lf.value, true
	}

	// n ends up as the parent of the leaf holding the key; kn is that leaf.
	nParent := &c.root
	kParent := &c.root
	kn := n

	for !isLeaf(kn) {
		nParent = kParent
		n = kn
		kParent = &c.nodeAt(kn).child[sliceIndex(key, c.nodeAt(kn).shift)]
		kn = kParent.Load()

		if kn == 0 {
			return 0, false
		}
	}

	lf := c.leafAt(kn)
	if lf.key != key {
		return 0, false
	}

	c.nodeAt(n).child[sliceIndex(key, c.nodeAt(n).shift)].Store(0)
	c.pendingLeaves[slot] = kn

	// Collapse the node when a single child remains.
	ochild := -1

	for i := 0; i < slnodes; i++ {
		if c.nodeAt(n).child[i].Load() != 0 {
			if ochild != -1 {
				return lf.value, true
			}

			ochild = i
		}
	}

	if ochild == -1 {
		return lf.value, true
	}

	nParent.Store(c.nodeAt(n).child[ochild].Load())
	c.pendingNodes[slot] = n

	return lf.value, true
}

// Get queries for an exact key match.
//
// It is pointless to return the most current answer; one that was valid at
// any point after the call started suffices, so a stale descent is only
// restarted when it may have crossed the recycle grace period.
func (c *Critnib) Get(key uint64) (uint32, bool) {
	for {
		wrs1 := c.removeCount.Load()
		n := c.root.Load()

		// Dive looking at nothing but each node's critical nibble. We risk
		// going the wrong way if our path is missing, but the final key
		// compare catches that.
		for n != 0 && !isLeaf(n) {
			node := c.nodeAt(n)
			n = node.child[sliceIndex(key, node.shift)].Load()
		}

		var (
			value uint32
			found bool
		)

		if n != 0 {
			lf := c.leafAt(n)
			if lf.key == key {
				value, found = lf.value, true
			}
		}

		wrs2 := c.removeCount.Load()
		if wrs1+DeletedLife > wrs2 {
			return value, found
		}
	}
}

// findSuccessor returns the rightmost leaf in a subtree.
func (c *Critnib) findSuccessor(n uint32) uint32 {
	for {
		next := uint32(0)

		for i := slnodes - 1; i >= 0; i-- {
			if h := c.nodeAt(n).child[i].Load(); h != 0 {
				next = h

				break
			}
		}

		if next == 0 {
			return 0
		}

		if isLeaf(next) {
			return next
		}

		n = next
	}
}

func (c *Critnib) findLE(n uint32, key uint64) uint32 {
	if n == 0 {
		return 0
	}

	if isLeaf(n) {
		if c.leafAt(n).key <= key {
			return n
		}

		return 0
	}

	node := c.nodeAt(n)

	// Is our key outside the subtree we are in? All bits above the nibble
	// are identical inside; shift points at the nibble's lower edge, so the
	// nibble itself is masked away too.
	if (key^node.path)>>node.shift&^nib != 0 {
		if node.path < key {
			// Subtree is entirely to the left; its rightmost value wins.
			return c.findSuccessor(n)
		}

		// Subtree is entirely to the right; nothing of interest.
		return 0
	}

	idx := sliceIndex(key, node.shift)

	if m := node.child[idx].Load(); m != 0 {
		if k := c.findLE(m, key); k != 0 {
			return k
		}
	}

	// Nothing on the path; search the subtrees to our left. Only the first
	// non-empty one matters.
	for ; idx > 0; idx-- {
		m := node.child[idx-1].Load()
		if m == 0 {
			continue
		}

		if isLeaf(m) {
			return m
		}

		return c.findSuccessor(m)
	}

	return 0
}

// FindLE queries for the greatest key <= the argument. Same guarantees as
// Get.
func (c *Critnib) FindLE(key uint64) (foundKey uint64, value uint32, ok bool) {
	for {
		wrs1 := c.removeCount.Load()

		var (
			fk uint64
			v  uint32
			f  bool
		)

		if n := c.root.Load(); n != 0 {
			if h := c.findLE(n, key); h != 0 {
				lf := c.leafAt(h)
				fk, v, f = lf.key, lf.value, true
			}
		}

		wrs2 := c.removeCount.Load()
		if wrs1+DeletedLife > wrs2 {
			return fk, v, f
		}
	}
}
