// Package errs defines the sentinel errors the control plane
// distinguishes: logical contract violations (not found, illegal
// transition) are never retried; transient store errors on the
// scheduler's pending-jobs read and the worker's release path are
// retried by internal/retry before they reach callers.
package errs

import "errors"

var (
	// ErrNotFound means a job or allocation row does not exist.
	ErrNotFound = errors.New("jobsched: not found")

	// ErrIllegalTransition means a caller tried to move an allocation
	// or job out of its legal state sequence.
	ErrIllegalTransition = errors.New("jobsched: illegal state transition")

	// ErrNoCapacity means the worker registry could not be reached to
	// answer a capacity question; callers treat the cluster as
	// zero-capacity for that tick rather than crash.
	ErrNoCapacity = errors.New("jobsched: capacity unavailable")
)
