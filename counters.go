package tierheap

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// Byte accounting is banked: every mutator lands in one of counterShards
// thread-local-ish shards picked by hashing its stack address, and a shard
// is flushed into the process-wide totals once its absolute delta exceeds
// flushThreshold. This amortizes contention while keeping the consumer's
// view eventually accurate.
const (
	counterShards  = 256
	flushThreshold = 0 // flush on every operation

	// maxTiers bounds the static/dynamic tier count; the hotness policy
	// uses exactly two.
	maxTiers = 8
)

// counters tracks per-tier live bytes plus the derived hot-to-total ratio.
type counters struct {
	shards [maxTiers][counterShards]atomic.Int64
	global [maxTiers + 1]atomic.Uint64 // last slot is the grand total

	hotTier      int
	desiredRatio float64

	actualRatio atomic.Uint64 // float64 bits
	totalSize   atomic.Uint64
}

func newCounters(hotTier int, desiredRatio float64) *counters {
	c := &counters{
		hotTier:      hotTier,
		desiredRatio: desiredRatio,
	}

	c.storeActual(desiredRatio)

	return c
}

// shardIndex spreads callers across shards. The address of a stack local is
// stable per goroutine within a call and cheap to hash (SplitMix64).
func shardIndex() int {
	var probe byte

	x := uint64(uintptr(unsafe.Pointer(&probe)))
	x += 0x9e3779b97f4a7c15
	x = (x ^ x>>30) * 0xbf58476d1ce4e5b9
	x = (x ^ x>>27) * 0x94d049bb133111eb

	return int((x ^ x>>31) & (counterShards - 1))
}

func (c *counters) increment(tier int, size uint64) {
	shard := shardIndex()

	old := c.shards[tier][shard].Add(int64(size)) - int64(size)
	if old+int64(size) > flushThreshold {
		c.flush(tier, shard)
	}
}

func (c *counters) decrement(tier int, size uint64) {
	shard := shardIndex()

	old := c.shards[tier][shard].Add(-int64(size)) + int64(size)
	if old-int64(size) < -flushThreshold {
		c.flush(tier, shard)
	}
}

// flush empties one shard into the globals. The tier counter moves before
// the grand total, so a concurrent observer can briefly see hot bytes that
// are not yet part of the total; publishRatio clamps the ratio for that
// window.
func (c *counters) flush(tier, shard int) {
	delta := c.shards[tier][shard].Swap(0)
	if delta == 0 {
		return
	}

	c.global[tier].Add(uint64(delta))
	total := c.global[maxTiers].Add(uint64(delta))

	c.publishRatio(total)
}

func (c *counters) publishRatio(total uint64) {
	hot := c.global[c.hotTier].Load()

	if hot > total {
		// A racing flush can momentarily show hot ahead of total; clamp
		// rather than publish a ratio above 1.
		total = hot
	}

	c.totalSize.Store(total)

	if total == 0 {
		c.storeActual(c.desiredRatio)

		return
	}

	c.storeActual(float64(hot) / float64(total))
}

// tierBytes returns the flushed live bytes of one tier.
func (c *counters) tierBytes(tier int) uint64 {
	return c.global[tier].Load()
}

// flushAll drains every shard; used by observability readers that need the
// exact totals.
func (c *counters) flushAll(tiers int) {
	for tier := 0; tier < tiers; tier++ {
		for shard := 0; shard < counterShards; shard++ {
			c.flush(tier, shard)
		}
	}
}

func (c *counters) actual() float64 {
	return math.Float64frombits(c.actualRatio.Load())
}

func (c *counters) storeActual(v float64) {
	c.actualRatio.Store(math.Float64bits(v))
}

func (c *counters) total() uint64 {
	return c.totalSize.Load()
}
