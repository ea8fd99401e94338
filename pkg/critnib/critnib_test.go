package critnib_test

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/lukaszgda/tierheap/pkg/critnib"
)

func newIndex(t *testing.T, maxKeys uint64) *critnib.Critnib {
	t.Helper()

	c, err := critnib.New(maxKeys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c
}

func Test_Get_Returns_Inserted_Values(t *testing.T) {
	t.Parallel()

	c := newIndex(t, 1024)

	keys := []uint64{0, 1, 0xF, 0x10, 0xDEADBEEF, ^uint64(0), 1 << 63}
	for i, k := range keys {
		if err := c.Insert(k, uint32(i)); err != nil {
			t.Fatalf("Insert(%#x): %v", k, err)
		}
	}

	for i, k := range keys {
		v, ok := c.Get(k)
		if !ok || v != uint32(i) {
			t.Fatalf("Get(%#x) = (%d, %v), want (%d, true)", k, v, ok, i)
		}
	}

	if _, ok := c.Get(0x12345); ok {
		t.Fatal("Get of absent key succeeded")
	}
}

func Test_Insert_Duplicate_Returns_ErrExists(t *testing.T) {
	t.Parallel()

	c := newIndex(t, 64)

	if err := c.Insert(42, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := c.Insert(42, 2); !errors.Is(err, critnib.ErrExists) {
		t.Fatalf("duplicate Insert = %v, want ErrExists", err)
	}

	// Original mapping is untouched.
	if v, ok := c.Get(42); !ok || v != 1 {
		t.Fatalf("Get(42) = (%d, %v), want (1, true)", v, ok)
	}
}

func Test_FindLE_Returns_Predecessor(t *testing.T) {
	t.Parallel()

	c := newIndex(t, 64)

	for _, k := range []uint64{10, 20, 30, 40} {
		if err := c.Insert(k, uint32(k)); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	cases := []struct {
		query   uint64
		wantKey uint64
		wantOK  bool
	}{
		{25, 20, true},
		{5, 0, false},
		{40, 40, true},
		{100, 40, true},
		{10, 10, true},
		{39, 30, true},
	}

	for _, tc := range cases {
		k, v, ok := c.FindLE(tc.query)
		if ok != tc.wantOK {
			t.Fatalf("FindLE(%d) ok = %v, want %v", tc.query, ok, tc.wantOK)
		}

		if ok && (k != tc.wantKey || v != uint32(tc.wantKey)) {
			t.Fatalf("FindLE(%d) = (%d, %d), want key %d", tc.query, k, v, tc.wantKey)
		}
	}
}

func Test_Insert_Then_Remove_Restores_Prior_Lookups(t *testing.T) {
	t.Parallel()

	c := newIndex(t, 256)

	base := []uint64{100, 200, 300}
	for _, k := range base {
		if err := c.Insert(k, uint32(k)); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	if err := c.Insert(250, 250); err != nil {
		t.Fatalf("Insert(250): %v", err)
	}

	v, ok := c.Remove(250)
	if !ok || v != 250 {
		t.Fatalf("Remove(250) = (%d, %v), want (250, true)", v, ok)
	}

	if _, ok := c.Get(250); ok {
		t.Fatal("Get(250) found a removed key")
	}

	if k, _, ok := c.FindLE(260); !ok || k != 200 {
		t.Fatalf("FindLE(260) = (%d, ok=%v), want 200", k, ok)
	}

	for _, k := range base {
		if v, ok := c.Get(k); !ok || v != uint32(k) {
			t.Fatalf("Get(%d) = (%d, %v) after unrelated remove", k, v, ok)
		}
	}

	if _, ok := c.Remove(250); ok {
		t.Fatal("second Remove(250) succeeded")
	}
}

func Test_Insert_Fails_With_ErrNoMem_When_Pool_Exhausted(t *testing.T) {
	t.Parallel()

	const maxKeys = 32

	c := newIndex(t, maxKeys)

	var firstErr error

	inserted := 0

	for k := uint64(0); k < maxKeys*2; k++ {
		// Spread the keys so interior nodes are needed.
		err := c.Insert(k*0x9E3779B97F4A7C15, uint32(k))
		if err != nil {
			firstErr = err

			break
		}

		inserted++
	}

	if !errors.Is(firstErr, critnib.ErrNoMem) {
		t.Fatalf("expected ErrNoMem after %d inserts, got %v", inserted, firstErr)
	}

	// Every key inserted before exhaustion is still reachable.
	for k := uint64(0); k < uint64(inserted); k++ {
		if v, ok := c.Get(k * 0x9E3779B97F4A7C15); !ok || v != uint32(k) {
			t.Fatalf("Get after NOMEM: key %d = (%d, %v)", k, v, ok)
		}
	}
}

func Test_Random_Ops_Match_Reference_Map(t *testing.T) {
	t.Parallel()

	c := newIndex(t, 8192)
	rng := rand.New(rand.NewPCG(7, 7))
	ref := make(map[uint64]uint32)

	for op := 0; op < 20000; op++ {
		k := uint64(rng.IntN(2000)) * 64

		switch rng.IntN(3) {
		case 0:
			v := uint32(rng.Uint32())

			err := c.Insert(k, v)
			if _, dup := ref[k]; dup {
				if !errors.Is(err, critnib.ErrExists) {
					t.Fatalf("Insert dup %#x = %v, want ErrExists", k, err)
				}
			} else if err == nil {
				ref[k] = v
			}
		case 1:
			v, ok := c.Remove(k)
			want, wantOK := ref[k]

			if ok != wantOK || (ok && v != want) {
				t.Fatalf("Remove(%#x) = (%d, %v), want (%d, %v)", k, v, ok, want, wantOK)
			}

			delete(ref, k)
		case 2:
			v, ok := c.Get(k)
			want, wantOK := ref[k]

			if ok != wantOK || (ok && v != want) {
				t.Fatalf("Get(%#x) = (%d, %v), want (%d, %v)", k, v, ok, want, wantOK)
			}
		}
	}

	// Predecessor sweep against the reference.
	for q := uint64(0); q < 2000*64; q += 97 {
		var (
			bestKey uint64
			bestOK  bool
		)

		for k := range ref {
			if k <= q && (!bestOK || k > bestKey) {
				bestKey, bestOK = k, true
			}
		}

		k, _, ok := c.FindLE(q)
		if ok != bestOK || (ok && k != bestKey) {
			t.Fatalf("FindLE(%d) = (%d, %v), want (%d, %v)", q, k, ok, bestKey, bestOK)
		}
	}
}

func Test_Lock_Free_Readers_Survive_Concurrent_Removes(t *testing.T) {
	t.Parallel()

	c := newIndex(t, 4096)

	// Stable keys that are never removed.
	for k := uint64(0); k < 64; k++ {
		if err := c.Insert(k<<32, uint32(k)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	stop := make(chan struct{})

	var wg sync.WaitGroup

	for r := 0; r < 4; r++ {
		wg.Add(1)

		go func(seed uint64) {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(seed, seed))

			for {
				select {
				case <-stop:
					return
				default:
				}

				k := uint64(rng.IntN(64))

				if v, ok := c.Get(k << 32); !ok || v != uint32(k) {
					t.Errorf("Get(%#x) = (%d, %v) during writer churn", k<<32, v, ok)

					return
				}

				if fk, _, ok := c.FindLE(k<<32 + 5); !ok || fk != k<<32 {
					t.Errorf("FindLE(%#x) = (%#x, %v) during writer churn", k<<32+5, fk, ok)

					return
				}
			}
		}(uint64(r + 1))
	}

	// Writer churns volatile keys interleaved between the stable ones.
	rng := rand.New(rand.NewPCG(99, 99))

	for i := 0; i < 50000; i++ {
		k := uint64(rng.IntN(64))<<32 + uint64(rng.IntN(14)) + 7

		if rng.IntN(2) == 0 {
			_ = c.Insert(k, uint32(i))
		} else {
			c.Remove(k)
		}
	}

	close(stop)
	wg.Wait()
}
