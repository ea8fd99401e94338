// Package fingerprint derives a stable 64-bit identity for an allocation
// site from the caller's call stack and the requested size.
//
// The contract is determinism per site: two allocations issued from the same
// call path with the same size produce the same fingerprint for the lifetime
// of the process. Fingerprints may collide across unrelated sites; a
// collision only merges their hotness accounting.
package fingerprint

import (
	"runtime"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// maxFrames bounds the stack walk. Deep recursion beyond this point hashes
// identically, which only widens the equivalence class.
const maxFrames = 32

// seed mixes the size into the hash, MurmurHash2 style.
const seed = 0xc6a4a7935bd1e995

// Hash fingerprints the calling allocation site. skip counts stack frames to
// drop before hashing, not counting Hash itself; the placement path passes
// its own depth so the fingerprint starts at the application frame.
func Hash(skip int, size uint64) uint64 {
	var pcs [maxFrames]uintptr

	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return size * seed
	}

	// Program counters are already confined to the executable's mapped
	// text; hash them raw rather than symbolizing.
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&pcs[0])), n*int(unsafe.Sizeof(pcs[0])))

	return xxhash.Sum64(raw) ^ size*seed
}
