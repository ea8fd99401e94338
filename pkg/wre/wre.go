// Package wre implements a weighted-rank AVL tree: an ordered, height
// balanced BST in which every node carries an own weight and the cached
// weight of its subtree.
//
// The cached subtree weights turn the tree into an order statistic over
// weight: FindWeighted answers "which element splits the total weight at
// ratio r" in O(log n). Insertion, removal and quantile queries are all
// logarithmic.
//
// The tree is not internally synchronized; the owner serializes access.
package wre

import (
	"errors"
	"fmt"

	"github.com/lukaszgda/tierheap/pkg/slab"
)

// ErrNotFound indicates Remove was called for an entry not in the tree.
var ErrNotFound = errors.New("wre: entry not found")

// ErrNoMem indicates the node pool is exhausted.
var ErrNoMem = errors.New("wre: node pool exhausted")

// Entry is one keyed element. Ref is caller-defined identity and
// participates in ordering through the comparator, so entries with equal
// keys remain distinguishable.
type Entry struct {
	Key float64
	Ref uint64
}

// IsLower reports whether a orders strictly before b. The comparator must be
// a strict total order over the entries simultaneously present in the tree;
// Remove relies on it to navigate to the exact entry.
type IsLower func(a, b Entry) bool

// node handles are slab index+1; 0 is nil.
type node struct {
	left, right uint32
	height      uint32
	ownWeight   uint64
	subWeight   uint64
	data        Entry
}

// Tree is the weighted-rank AVL tree.
type Tree struct {
	root    uint32
	size    int
	isLower IsLower
	pool    *slab.Pool[node]
}

// New creates a tree able to hold up to maxEntries entries.
func New(isLower IsLower, maxEntries uint64) (*Tree, error) {
	pool, err := slab.NewPool[node](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("wre: %w", err)
	}

	return &Tree{isLower: isLower, pool: pool}, nil
}

// Close releases the node pool.
func (t *Tree) Close() error {
	return t.pool.Close()
}

// Size returns the number of entries.
func (t *Tree) Size() int {
	return t.size
}

// TotalWeight returns the sum of all own weights.
func (t *Tree) TotalWeight() uint64 {
	if t.root == 0 {
		return 0
	}

	return t.at(t.root).subWeight
}

func (t *Tree) at(h uint32) *node {
	return t.pool.At(h - 1)
}

func (t *Tree) height(h uint32) uint32 {
	if h == 0 {
		return 0
	}

	return t.at(h).height
}

func (t *Tree) weight(h uint32) uint64 {
	if h == 0 {
		return 0
	}

	return t.at(h).subWeight
}

// update recomputes the cached height and subtree weight from the children.
func (t *Tree) update(h uint32) {
	n := t.at(h)
	n.height = 1 + max(t.height(n.left), t.height(n.right))
	n.subWeight = n.ownWeight + t.weight(n.left) + t.weight(n.right)
}

// rotateLeft lifts the right child over h. Both height and subtree weight
// caches are rebuilt bottom-up.
func (t *Tree) rotateLeft(h uint32) uint32 {
	x := t.at(h)
	zh := x.right
	z := t.at(zh)

	x.right = z.left
	z.left = h

	t.update(h)
	t.update(zh)

	return zh
}

func (t *Tree) rotateRight(h uint32) uint32 {
	x := t.at(h)
	yh := x.left
	y := t.at(yh)

	x.left = y.right
	y.right = h

	t.update(h)
	t.update(yh)

	return yh
}

// balance restores the AVL property at h after one insertion or removal
// below it.
func (t *Tree) balance(h uint32) uint32 {
	t.update(h)

	n := t.at(h)

	diff := int64(t.height(n.left)) - int64(t.height(n.right))
	switch {
	case diff > 1:
		l := t.at(n.left)
		if t.height(l.right) > t.height(l.left) {
			n.left = t.rotateLeft(n.left)
		}

		return t.rotateRight(h)
	case diff < -1:
		r := t.at(n.right)
		if t.height(r.left) > t.height(r.right) {
			n.right = t.rotateRight(n.right)
		}

		return t.rotateLeft(h)
	}

	return h
}

// Put inserts an entry with the given weight.
func (t *Tree) Put(e Entry, weight uint64) error {
	h, err := t.put(t.root, e, weight)
	if err != nil {
		return err
	}

	t.root = h
	t.size++

	return nil
}

func (t *Tree) put(h uint32, e Entry, weight uint64) (uint32, error) {
	if h == 0 {
		n, err := t.pool.Get()
		if err != nil {
			return 0, ErrNoMem
		}

		n.height = 1
		n.ownWeight = weight
		n.subWeight = weight
		n.data = e

		idx, idxErr := t.pool.IndexOf(n)
		if idxErr != nil {
			return 0, idxErr
		}

		return idx + 1, nil
	}

	n := t.at(h)

	if t.isLower(n.data, e) {
		// New entry orders higher: attach to the right.
		nh, err := t.put(n.right, e, weight)
		if err != nil {
			return 0, err
		}

		t.at(h).right = nh
	} else {
		nh, err := t.put(n.left, e, weight)
		if err != nil {
			return 0, err
		}

		t.at(h).left = nh
	}

	return t.balance(h), nil
}

// Remove deletes the entry. Identity is resolved through the comparator,
// which is why the comparator must totally order entries.
func (t *Tree) Remove(e Entry) error {
	h, err := t.remove(t.root, e)
	if err != nil {
		return err
	}

	t.root = h
	t.size--

	return nil
}

func (t *Tree) remove(h uint32, e Entry) (uint32, error) {
	if h == 0 {
		return 0, ErrNotFound
	}

	n := t.at(h)

	switch {
	case t.isLower(n.data, e):
		nh, err := t.remove(n.right, e)
		if err != nil {
			return 0, err
		}

		t.at(h).right = nh
	case t.isLower(e, n.data):
		nh, err := t.remove(n.left, e)
		if err != nil {
			return 0, err
		}

		t.at(h).left = nh
	default:
		// Found. Splice out, or replace with the in-order successor.
		switch {
		case n.left == 0:
			r := n.right
			t.release(h)

			return r, nil
		case n.right == 0:
			l := n.left
			t.release(h)

			return l, nil
		default:
			succ := t.at(t.min(n.right))
			n.data = succ.data
			n.ownWeight = succ.ownWeight

			nh, err := t.remove(n.right, succ.data)
			if err != nil {
				return 0, err
			}

			t.at(h).right = nh
		}
	}

	return t.balance(h), nil
}

func (t *Tree) min(h uint32) uint32 {
	for t.at(h).left != 0 {
		h = t.at(h).left
	}

	return h
}

func (t *Tree) release(h uint32) {
	_ = t.pool.Put(t.at(h))
}

// FindWeighted returns the entry at weighted rank ratio, the smallest key k
// such that the cumulative weight of entries ordering <= k reaches
// ratio * TotalWeight. ratio outside [0, 1] is clamped. The second return is
// false on an empty tree.
func (t *Tree) FindWeighted(ratio float64) (Entry, bool) {
	if t.root == 0 {
		return Entry{}, false
	}

	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}

	target := ratio * float64(t.TotalWeight())

	h := t.root

	for {
		n := t.at(h)
		leftW := float64(t.weight(n.left))

		switch {
		case leftW >= target && n.left != 0:
			h = n.left
		case leftW+float64(n.ownWeight) >= target:
			return n.data, true
		case n.right != 0:
			target -= leftW + float64(n.ownWeight)
			h = n.right
		default:
			// Accumulated rounding pushed the target past the subtree;
			// the rightmost entry is the answer.
			return n.data, true
		}
	}
}
