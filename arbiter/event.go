package arbiter

import (
	"sync"

	"github.com/joeycumines/dazukofs/pidref"
	"github.com/joeycumines/dazukofs/subject"
)

// Verdict is a policy process's answer for one (event, group) pair,
// spec §4.4.
type Verdict int

const (
	// Allow permits the access, as far as this group is concerned.
	Allow Verdict = iota
	// Deny blocks the access; sticky across the whole Event once any
	// group returns it.
	Deny
	// Repost returns the event to its group's todo queue, for another
	// claimant (or the same one, retrying) to process.
	Repost
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Repost:
		return "repost"
	default:
		return "unknown"
	}
}

// event is the shared arbitration object for one pending access,
// spec §3 "Event". It is addressed only via the Containers fanned out
// to each group, or the initiator's own local pointer returned from
// checkAccess's allocation step — there is no back-pointer from event
// to its Containers.
type event struct {
	id      uint64 // assigned at fan-out time, 0 until then
	subject subject.Subject
	pid     *pidref.Ref

	assignedMu sync.Mutex
	deny       bool
	assigned   int
	deprecated bool

	// wake is closed exactly once, when assigned transitions to zero
	// and the event is not deprecated (the normal, initiator-is-still-
	// waiting path). A deprecated event frees instead of waking,
	// because nobody is listening any more.
	wake chan struct{}
}

func newEvent(subj subject.Subject, pid *pidref.Ref) *event {
	return &event{
		subject: subj,
		pid:     pid,
		wake:    make(chan struct{}),
	}
}

// container links one (event, group) pair, spec §3 "Container". It
// exists only while linked into a group's todo or working queue.
type container struct {
	event *event

	// set once claimed by get_event
	claimed    bool
	descriptor uint64
	handle     subject.Handle
}
