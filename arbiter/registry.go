package arbiter

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validName reports whether name satisfies spec §3's Group name
// invariant: non-empty, characters restricted to [A-Za-z0-9_-].
func validName(name string) bool {
	return name != "" && nameRe.MatchString(name)
}

// groupRegistry is the ordered container of groups keyed by name and by
// id, spec §4.1. All mutations serialize on mu (spec's registry_lock);
// readers take a shared lock. Queue/drain operations that also need
// Engine.workMu live on Engine, not here — this type owns only naming,
// id allocation, and the deprecated-storage lifecycle.
type groupRegistry struct {
	mu       sync.RWMutex
	groupMax int
	byName   map[string]*group
	byID     map[int]*group
}

func newGroupRegistry(groupMax int) *groupRegistry {
	return &groupRegistry{
		groupMax: groupMax,
		byName:   make(map[string]*group),
		byID:     make(map[int]*group),
	}
}

// addOrGet implements spec §4.1 add(name, tracking). It returns the
// resulting group and whether a new group was created (false means an
// existing non-deprecated group with this name was found, and possibly
// upgraded to tracking).
func (r *groupRegistry) addOrGet(name string, tracking bool) (*group, bool, error) {
	if !validName(name) {
		return nil, false, newError(KindInvalid, "add", fmt.Errorf("invalid group name %q", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()

	if g, ok := r.byName[name]; ok && !g.deprecated {
		if tracking {
			g.tracking = true
		}
		return g, false, nil
	}

	id, ok := r.nextFreeIDLocked()
	if !ok {
		return nil, false, newError(KindLimit, "add", nil)
	}

	g := newGroup(id, name, tracking)
	r.byName[name] = g
	r.byID[id] = g
	return g, true, nil
}

// nextFreeIDLocked returns the smallest integer in [0, groupMax) not
// held by any non-deprecated group. Caller must hold mu.
func (r *groupRegistry) nextFreeIDLocked() (int, bool) {
	for id := 0; id < r.groupMax; id++ {
		if g, ok := r.byID[id]; !ok || g.deprecated {
			return id, true
		}
	}
	return 0, false
}

// reapLocked drops deprecated groups whose useCount has returned to
// zero, per spec §4.6 "DEPRECATED -> REAPED ... performed lazily by the
// next add". Caller must hold mu for write.
func (r *groupRegistry) reapLocked() {
	for id, g := range r.byID {
		if g.deprecated && g.useCount.Load() == 0 {
			delete(r.byID, id)
			if r.byName[g.name] == g {
				delete(r.byName, g.name)
			}
		}
	}
}

// deprecate marks the non-deprecated group matching name as deprecated
// and returns it, or returns nil if no such group exists (spec §4.1
// remove: "Succeed even if no such group exists").
func (r *groupRegistry) deprecate(name string) *group {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byName[name]
	if !ok || g.deprecated {
		return nil
	}
	g.deprecated = true
	return g
}

// lookupAndHold implements spec §4.1 lookup_and_hold(id).
func (r *groupRegistry) lookupAndHold(id int) *group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[id]
	if !ok || g.deprecated {
		return nil
	}
	g.hold()
	return g
}

// snapshot returns every non-deprecated group, for fan-out and listing.
// Order is not guaranteed stable across calls, only internally
// consistent for one call, per spec §4.1 list().
func (r *groupRegistry) snapshot() []*group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// snapshotLocked is snapshot without taking mu itself, for callers (like
// CheckAccess) that already hold it for read across a wider span. Caller
// must hold mu for read.
func (r *groupRegistry) snapshotLocked() []*group {
	out := make([]*group, 0, len(r.byID))
	for _, g := range r.byID {
		if !g.deprecated {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// peek returns the group registered under id, regardless of its
// deprecated state, or nil if none exists — used by callers that need
// only the existence/map lookup under registry.mu, and perform their own
// deprecated check under Engine.workMu (spec §4.5 group_open_tracking /
// group_release_tracking, which the original guards with work_mutex
// alone). It does not call hold(); callers wanting to keep the group
// alive must do so themselves before releasing whatever lock protects
// that decision.
func (r *groupRegistry) peek(id int) *group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// list renders the "<id>:<name>\n" listing spec §4.1 describes.
func (r *groupRegistry) list() string {
	groups := r.snapshot()
	var buf []byte
	for _, g := range groups {
		buf = append(buf, []byte(fmt.Sprintf("%d:%s\n", g.id, g.name))...)
	}
	return string(buf)
}
