// Package ignore implements the Ignore Registry (spec §4.2): a set of
// process identities whose file accesses are passed through without
// mediation. It is used by policy processes themselves, so that the
// engine does not recursively mediate their own file accesses.
//
// Membership is reference counted rather than boolean, grounded on the
// original ign_dev.c's open/close symmetry: a process may open the
// ignore device more than once (e.g. from multiple threads), and must
// remain ignored until every open has a matching close. Entries key on
// *pidref.Ref identity, not numeric PID, per spec §9: a later process
// that happens to reuse a recycled PID number must never inherit a
// still-registered predecessor's ignore entry.
package ignore

import (
	"sync"

	"github.com/joeycumines/dazukofs/pidref"
)

// Registry is a reference-counted set of ignored process identities.
// The zero value is ready to use.
type Registry struct {
	mu     sync.RWMutex
	counts map[*pidref.Ref]int
}

// New returns an initialized, empty Registry.
func New() *Registry {
	return &Registry{counts: make(map[*pidref.Ref]int)}
}

// Add records one ignore-registration for ref, owned by the caller. The
// caller must call Remove exactly once for each call to Add.
func (r *Registry) Add(ref *pidref.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[*pidref.Ref]int)
	}
	r.counts[ref]++
}

// Remove releases one ignore-registration for ref, previously obtained
// via Add. It is a no-op if ref has no outstanding registration.
func (r *Registry) Remove(ref *pidref.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[ref]
	if !ok {
		return
	}
	if n <= 1 {
		delete(r.counts, ref)
		return
	}
	r.counts[ref] = n - 1
}

// IsIgnored reports whether ref currently holds at least one
// ignore-registration.
func (r *Registry) IsIgnored(ref *pidref.Ref) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[ref] > 0
}
