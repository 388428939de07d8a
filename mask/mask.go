// Package mask implements the Recursion Mask (spec §4.2): a transient,
// per-process list of tokens marking "the next engine-originated file
// open by this process must not itself generate an access event".
//
// Entries are pushed and taken in LIFO pairs around the engine's own
// open of a subject file, performed on behalf of a claiming policy
// process (spec §4.4 get_event step 4). The list is expected to be very
// small at any instant — at most one entry per policy process currently
// inside that open — so a linear scan is the right trade-off over a
// map, matching spec §4.2's explicit O(n) allowance. Entries key on
// *pidref.Ref identity, not numeric PID, for the same reuse-safety
// reason as the Ignore Registry.
package mask

import (
	"sync"

	"github.com/joeycumines/dazukofs/pidref"
)

// Token is pushed onto a Mask before an engine-originated open, and
// consulted (and cleared) after. The zero value is ready to use.
type Token struct {
	linked bool
}

// Linked reports whether this token is currently recorded in a Mask.
func (t *Token) Linked() bool {
	return t != nil && t.linked
}

type entry struct {
	pid   *pidref.Ref
	token *Token
}

// Mask is a LIFO list of (pid, token) pairs. The zero value is ready to
// use.
type Mask struct {
	mu      sync.Mutex
	entries []entry
}

// New returns an initialized, empty Mask.
func New() *Mask {
	return &Mask{}
}

// Push records that the next file open performed by pid, on the
// engine's behalf, should be suppressed. It marks token as linked.
func (m *Mask) Push(pid *pidref.Ref, token *Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token.linked = true
	m.entries = append(m.entries, entry{pid: pid, token: token})
}

// Take looks for the most recently pushed entry for pid. If found, it
// unlinks that entry (removing it from the Mask and clearing its
// token's Linked flag) and returns true — meaning the caller's current
// open is an engine-originated recursion that must not fan out a new
// access event. Otherwise it returns false.
func (m *Mask) Take(pid *pidref.Ref) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].pid == pid {
			m.entries[i].token.linked = false
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Unlink removes token from the Mask if it is still linked, without
// signalling recursion. This is the defensive cleanup spec §4.4 step 4
// describes: the open path should already have consumed the token via
// Take, but if it didn't (e.g. the open failed before reaching the
// point that checks the mask), Unlink prevents the token from leaking a
// stale entry for a future open by the same pid.
func (m *Mask) Unlink(token *Token) {
	if !token.Linked() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].token == token {
			token.linked = false
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}
