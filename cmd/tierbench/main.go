// tierbench stresses a tiered heap with a zipf-distributed access workload
// and reports placement accuracy and throughput.
//
// Usage:
//
//	tierbench [flags]
//
// The workload allocates a set of objects across distinct synthetic call
// sites, touches them with zipf-skewed frequency for a number of rounds,
// then reallocates and measures how much of the touch traffic lands on the
// hot tier.
package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	flag "github.com/spf13/pflag"

	tierheap "github.com/lukaszgda/tierheap"
	"github.com/lukaszgda/tierheap/internal/pebs"
)

func main() {
	os.Exit(run())
}

func run() int {
	objects := flag.Int("objects", 64, "distinct allocation sites")
	objectSize := flag.String("size", "4KiB", "object size")
	rounds := flag.Int("rounds", 20, "touch/reallocate rounds")
	touches := flag.Int("touches", 10000, "touches per round")
	ratio := flag.Float64("ratio", 0.25, "target hot-to-total ratio")
	zipfS := flag.Float64("zipf-s", 1.2, "zipf skew parameter (>1)")
	seed := flag.Uint64("seed", 42, "workload seed")
	flag.Parse()

	size, err := humanize.ParseBytes(*objectSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: bad size:", err)

		return 1
	}

	if err := bench(*objects, size, *rounds, *touches, *ratio, *zipfS, *seed); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	return 0
}

func bench(objects int, size uint64, rounds, touches int, ratio, zipfS float64, seed uint64) error {
	hot, err := tierheap.NewHotKind(0)
	if err != nil {
		return err
	}

	cold, err := tierheap.NewColdKind(0)
	if err != nil {
		return err
	}

	// Ratio weights are integers; scale the target up.
	hotWeight := uint(ratio * 100)
	if hotWeight == 0 {
		hotWeight = 1
	}

	src := pebs.NewSyntheticSource()

	b := tierheap.NewBuilder(tierheap.PolicyDataHotness).
		WithLogger(log.NewNopLogger()).
		WithSampleSource(src).
		WithRingCapacity(1 << 16)

	if err := b.AddTier(hot, hotWeight); err != nil {
		return err
	}

	if err := b.AddTier(cold, 100-hotWeight); err != nil {
		return err
	}

	mem, err := b.Build()
	if err != nil {
		return err
	}
	defer mem.Close()

	rng := rand.New(rand.NewPCG(seed, seed))
	zipf := newZipf(rng, zipfS, objects)

	bufs := make([][]byte, objects)

	allocAll := func() error {
		for i := range bufs {
			// Distinct sizes make every slot a distinct call site.
			buf, allocErr := mem.Malloc(size + uint64(i))
			if allocErr != nil {
				return allocErr
			}

			bufs[i] = buf
		}

		return nil
	}

	if err := allocAll(); err != nil {
		return err
	}

	now := uint64(1)
	start := time.Now()

	var totalTouches, hotTouches uint64

	for round := 0; round < rounds; round++ {
		for i := 0; i < touches; i++ {
			obj := zipf(rng)
			addr := uintptr(unsafe.Pointer(unsafe.SliceData(bufs[obj])))

			src.Feed(pebs.Sample{Addr: uint64(addr), Timestamp: now})
			now += 1000

			totalTouches++

			if kind, ok := mem.DetectKind(addr); ok && kind.Name() == tierheap.KindHot {
				hotTouches++
			}
		}

		// Reallocate so the new classification drives placement.
		for _, buf := range bufs {
			if err := mem.Free(buf); err != nil {
				return err
			}
		}

		if err := allocAll(); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)

	fmt.Printf("objects:            %d x %s\n", objects, humanize.IBytes(size))
	fmt.Printf("touch traffic:      %d touches in %v (%.0f/s)\n",
		totalTouches, elapsed.Round(time.Millisecond),
		float64(totalTouches)/elapsed.Seconds())
	fmt.Printf("hot-tier touches:   %.1f%%\n", 100*float64(hotTouches)/float64(totalTouches))
	fmt.Printf("observed hot ratio: %.3f (target %.3f)\n",
		mem.ActualHotToTotalRatio(), mem.DesiredHotToTotalRatio())
	fmt.Printf("total allocated:    %s\n", humanize.IBytes(mem.TotalSize()))
	fmt.Printf("dropped events:     %d\n", mem.DroppedEvents())

	return nil
}

// newZipf returns a sampler over [0, n) where object i carries probability
// proportional to 1/(i+1)^s.
func newZipf(_ *rand.Rand, s float64, n int) func(*rand.Rand) int {
	cum := make([]float64, n)

	total := 0.0
	for i := 0; i < n; i++ {
		total += 1 / math.Pow(float64(i+1), s)
		cum[i] = total
	}

	return func(rng *rand.Rand) int {
		target := rng.Float64() * total

		lo, hi := 0, n-1
		for lo < hi {
			mid := (lo + hi) / 2
			if cum[mid] < target {
				lo = mid + 1
			} else {
				hi = mid
			}
		}

		return lo
	}
}
