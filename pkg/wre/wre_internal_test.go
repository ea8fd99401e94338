package wre

import (
	"math/rand/v2"
	"testing"
)

// checkNode verifies the AVL height bound and the cached subtree weight for
// every node, returning (height, weight, liveEntries).
func checkNode(t *testing.T, tr *Tree, h uint32) (uint32, uint64, int) {
	t.Helper()

	if h == 0 {
		return 0, 0, 0
	}

	n := tr.at(h)

	lh, lw, lc := checkNode(t, tr, n.left)
	rh, rw, rc := checkNode(t, tr, n.right)

	diff := int64(lh) - int64(rh)
	if diff < -1 || diff > 1 {
		t.Fatalf("AVL violation at key %v: heights %d/%d", n.data.Key, lh, rh)
	}

	wantH := 1 + max(lh, rh)
	if n.height != wantH {
		t.Fatalf("stale height at key %v: %d, want %d", n.data.Key, n.height, wantH)
	}

	wantW := n.ownWeight + lw + rw
	if n.subWeight != wantW {
		t.Fatalf("stale subtree weight at key %v: %d, want %d", n.data.Key, n.subWeight, wantW)
	}

	if n.left != 0 && !tr.isLower(tr.at(n.left).data, n.data) {
		t.Fatalf("order violation left of key %v", n.data.Key)
	}

	if n.right != 0 && !tr.isLower(n.data, tr.at(n.right).data) {
		t.Fatalf("order violation right of key %v", n.data.Key)
	}

	return wantH, wantW, lc + rc + 1
}

func byKeyThenRef(a, b Entry) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}

	return a.Ref < b.Ref
}

func Test_Tree_Invariants_Hold_Under_Seeded_Random_Ops(t *testing.T) {
	t.Parallel()

	for _, seed := range []uint64{1, 2, 3, 4, 5} {
		t.Run("", func(t *testing.T) {
			t.Parallel()

			tr, err := New(byKeyThenRef, 4096)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer tr.Close()

			rng := rand.New(rand.NewPCG(seed, seed))
			live := make(map[Entry]uint64)

			for op := 0; op < 5000; op++ {
				e := Entry{
					Key: float64(rng.IntN(50)),
					Ref: uint64(rng.IntN(40)),
				}

				if _, ok := live[e]; !ok && rng.IntN(3) != 0 {
					w := uint64(rng.IntN(1000) + 1)
					if err := tr.Put(e, w); err != nil {
						t.Fatalf("Put: %v", err)
					}

					live[e] = w
				} else if ok {
					if err := tr.Remove(e); err != nil {
						t.Fatalf("Remove: %v", err)
					}

					delete(live, e)
				}

				if op%97 == 0 {
					_, w, c := checkNode(t, tr, tr.root)

					if c != len(live) || c != tr.Size() {
						t.Fatalf("size mismatch: tree %d, Size() %d, ref %d", c, tr.Size(), len(live))
					}

					var wantW uint64
					for _, lw := range live {
						wantW += lw
					}

					if w != wantW {
						t.Fatalf("total weight %d, want %d", w, wantW)
					}
				}
			}

			checkNode(t, tr, tr.root)
		})
	}
}
