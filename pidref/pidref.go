// Package pidref provides an opaque, reference-counted handle around a
// process identity, so that callers never compare raw PIDs directly.
//
// Numeric PIDs are reused by the OS over a process's lifetime; treating
// them as plain integers risks one process's entry being mistaken for an
// unrelated, later process that happens to reuse the same number. A Ref
// is acquired once (from a numeric PID) and then passed around by
// identity; equality between two Refs is pointer equality, not numeric
// equality.
package pidref

import "sync/atomic"

// Ref is an owning handle to a process identity. The zero value is not
// usable; obtain a Ref via Acquire.
type Ref struct {
	pid      int
	refCount atomic.Int32
}

// Acquire returns a new Ref for the given numeric PID, with an initial
// reference count of one. The caller is obligated to call Release
// exactly once for this call to Acquire.
func Acquire(pid int) *Ref {
	r := &Ref{pid: pid}
	r.refCount.Store(1)
	return r
}

// Hold increments the reference count, returning the same Ref for
// convenience. Each call to Hold must be matched by a call to Release.
func (r *Ref) Hold() *Ref {
	if r.refCount.Add(1) <= 1 {
		panic("pidref: Hold on a Ref with no outstanding references")
	}
	return r
}

// Release decrements the reference count. It is a no-op beyond the
// decrement; Ref carries no finalizable OS resource, only the numeric
// PID snapshot, so there is nothing further to free.
func (r *Ref) Release() {
	if r.refCount.Add(-1) < 0 {
		panic("pidref: Release without a matching Hold/Acquire")
	}
}

// PID returns the numeric process id this Ref was acquired for. The
// value may no longer identify a live process; it is a snapshot, not a
// liveness guarantee.
func (r *Ref) PID() int {
	if r == nil {
		return 0
	}
	return r.pid
}

// Is reports whether r and other refer to the same acquired identity.
// Two Refs acquired for the same numeric PID at different times are NOT
// equal, since the OS may have reused the number for an unrelated
// process in between.
func (r *Ref) Is(other *Ref) bool {
	return r == other
}
