package tierheap

import "errors"

// Sentinel errors returned by the public API.
//
// Callers should classify with [errors.Is].
var (
	// ErrInvalidPolicy indicates an unrecognized placement policy.
	ErrInvalidPolicy = errors.New("tierheap: invalid policy")

	// ErrInvalidTiers indicates a tier configuration the policy cannot use:
	// wrong count, duplicate kinds, zero ratio, or a missing hot kind.
	ErrInvalidTiers = errors.New("tierheap: invalid tier configuration")

	// ErrInvalidEnv indicates an environment variable that failed to parse
	// or carried a negative value. This is fatal at Build.
	ErrInvalidEnv = errors.New("tierheap: invalid environment")

	// ErrSampler indicates the hardware sampling channel could not be
	// opened. Fatal when the hotness policy is requested.
	ErrSampler = errors.New("tierheap: sampler unavailable")

	// ErrClosed indicates the Memory has been closed.
	ErrClosed = errors.New("tierheap: closed")

	// ErrInvalidArgument indicates invalid arguments, e.g. a bad alignment.
	ErrInvalidArgument = errors.New("tierheap: invalid argument")
)
