package arbiter

import "sync/atomic"

// group is a named policy-processor queue pair, spec §3 "Group". Its
// todo/working queues, deprecated flag, and trackCount are guarded by
// the owning Engine's workMu (spec's work_lock) — group itself holds no
// lock of its own for them, matching spec §5's single shared work_lock
// covering "every group's todo and working".
//
// useCount is atomic, not lock-protected: it is spec §3's explicit
// exception, a refcount that lets a caller keep a group alive briefly
// after releasing registryMu (spec §9 "keep alive past registry drop").
type group struct {
	id       int
	name     string
	tracking bool

	// guarded by Engine.workMu
	todo       []*container
	working    map[*container]struct{}
	deprecated bool
	trackCount int

	useCount atomic.Int32

	// wake is closed and replaced (under Engine.workMu) whenever todo
	// transitions empty -> non-empty, or the group becomes deprecated.
	// Both spec's wait_queue (GetEvent, "wake one") and poll_queue
	// (Poll, "wake all") are implemented by this single broadcast
	// channel: every woken waiter re-validates state under workMu
	// before acting, so broadcasting to all candidates instead of
	// exactly one waiter changes scheduling fairness, never
	// correctness.
	wake chan struct{}
}

func newGroup(id int, name string, tracking bool) *group {
	return &group{
		id:       id,
		name:     name,
		tracking: tracking,
		working:  make(map[*container]struct{}),
		wake:     make(chan struct{}),
	}
}

// broadcast wakes every current waiter on wake. Caller must hold
// Engine.workMu.
func (g *group) broadcast() {
	close(g.wake)
	g.wake = make(chan struct{})
}

// hold increments useCount. Safe without any lock held.
func (g *group) hold() {
	g.useCount.Add(1)
}

// release decrements useCount, returning the post-decrement value.
func (g *group) release() int32 {
	return g.useCount.Add(-1)
}
