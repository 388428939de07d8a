package pidref

import "sync"

// Table resolves numeric PIDs to stable *Ref identities, so that two
// callers observing the same live process — e.g. an ignore-device open
// and a later check-access call for the same PID — see the same Ref,
// while a PID recycled by the OS after every holder has released it
// resolves to a brand new, distinct Ref. This is what lets the Ignore
// Registry and Recursion Mask "key on handle identity, not numeric
// value" per spec §9, without every caller separately tracking
// liveness.
type Table struct {
	mu   sync.Mutex
	refs map[int]*Ref
}

// NewTable returns an initialized, empty Table.
func NewTable() *Table {
	return &Table{refs: make(map[int]*Ref)}
}

// Acquire returns the Ref for pid, creating one if this Table has no
// currently-live Ref for that number. Each call must be matched by a
// call to Release, passing the returned Ref.
func (t *Table) Acquire(pid int) *Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.refs[pid]; ok {
		r.Hold()
		return r
	}
	r := Acquire(pid)
	t.refs[pid] = r
	return r
}

// Release releases one reference to r. Once the last reference is
// released, the Table forgets r, so a future Acquire for the same
// numeric PID returns a new, distinct Ref.
func (t *Table) Release(r *Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs[r.pid] == r && r.refCount.Load() == 1 {
		delete(t.refs, r.pid)
	}
	r.Release()
}
