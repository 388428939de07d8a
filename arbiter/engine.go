package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/dazukofs/ignore"
	"github.com/joeycumines/dazukofs/mask"
	"github.com/joeycumines/dazukofs/pidref"
	"github.com/joeycumines/dazukofs/subject"
	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
)

// DefaultGroupMax is the original implementation's fixed GROUP_COUNT: at
// most this many non-deprecated groups may exist at once.
const DefaultGroupMax = 10

// stallLogInterval is how often CheckAccess checks whether it should
// emit a stall diagnostic for an event that's still waiting on at least
// one group. stallLimiter then throttles the actual logging beneath
// this, per event, so a policy process stuck for a long time produces
// one log line per window rather than a log storm (SPEC_FULL.md §3.4).
// This is purely observational: it never times out or auto-resolves the
// wait, per spec §5's "no built-in timeouts".
const stallLogInterval = 30 * time.Second

// Options configures a new Engine. The zero value is not usable;
// construct via New.
type Options struct {
	// GroupMax caps the number of simultaneously non-deprecated groups.
	// Zero means DefaultGroupMax.
	GroupMax int
	// Logger receives structured diagnostics. The zero value is a
	// disabled logger (zerolog.Nop()).
	Logger zerolog.Logger
}

// Engine is the Arbitration Core, spec §4: it fans a single checked file
// access out to every registered Group and aggregates their verdicts,
// deny-biased and unanimous.
//
// Locking order, outermost first: registry.mu guards group
// existence (name/id maps); workMu guards every group's todo/working
// queues plus the monotonic event id counter; each event's own
// assignedMu guards that event's assigned countdown and deny flag.
// ignoreReg and recursionMask have their own internal locks, independent
// of the above. CheckAccess holds registry.mu for read across its entire
// precheck-through-fan-out body, mirroring the original's group_count_sem
// being held for the same span — this is what keeps the snapshot of
// participating groups stable against a concurrent GroupAdd/GroupRemove.
type Engine struct {
	registry      *groupRegistry
	ignoreReg     *ignore.Registry
	recursionMask *mask.Mask
	pids          *pidref.Table

	workMu      sync.Mutex
	lastEventID uint64

	descriptorCounter atomic.Uint64

	stallLimiter *catrate.Limiter

	log zerolog.Logger
}

// New constructs an Engine ready to accept CheckAccess calls and Group
// administration.
func New(opts Options) *Engine {
	groupMax := opts.GroupMax
	if groupMax <= 0 {
		groupMax = DefaultGroupMax
	}
	return &Engine{
		registry:      newGroupRegistry(groupMax),
		ignoreReg:     ignore.New(),
		recursionMask: mask.New(),
		pids:          pidref.NewTable(),
		stallLimiter:  catrate.NewLimiter(map[time.Duration]int{time.Minute: 1}),
		log:           opts.Logger,
	}
}

// IgnoreRegistry exposes the Ignore Registry for the device layer's ign
// device handlers.
func (e *Engine) IgnoreRegistry() *ignore.Registry { return e.ignoreReg }

// PIDTable exposes the process identity table, so the device layer can
// resolve the same *pidref.Ref for a PID observed on two different
// connections (e.g. an ign-device open, then a later check).
func (e *Engine) PIDTable() *pidref.Table { return e.pids }

// CheckAccess implements spec §4.4 check_access: it is called on the
// thread performing a mediated file access, blocks uninterruptibly until
// every registered group has answered (or the set of groups was empty,
// or this access is exempt), and returns whether the access is allowed.
func (e *Engine) CheckAccess(ctx context.Context, subj subject.Subject, pid int) (bool, error) {
	ref := e.pids.Acquire(pid)
	defer e.pids.Release(ref)

	e.registry.mu.RLock()

	groups := e.registry.snapshotLocked()
	if len(groups) == 0 {
		e.registry.mu.RUnlock()
		// spec §4.4 step 1: zero groups means allow, without ever
		// consulting the recursion mask or ignore registry.
		return true, nil
	}

	if e.recursionMask.Take(ref) {
		e.registry.mu.RUnlock()
		// This open was performed by the engine itself, on behalf of a
		// policy process claiming an earlier event (spec §4.2); do not
		// recursively mediate it.
		return true, nil
	}

	if e.ignoreReg.IsIgnored(ref) {
		e.registry.mu.RUnlock()
		return true, nil
	}

	ev := newEvent(subj, ref)
	containers := make([]*container, len(groups))
	for i := range containers {
		containers[i] = &container{event: ev}
	}

	e.workMu.Lock()
	e.lastEventID++
	ev.id = e.lastEventID
	ev.assigned = len(groups)
	for i, g := range groups {
		g.todo = append(g.todo, containers[i])
		g.broadcast()
	}
	e.workMu.Unlock()
	e.registry.mu.RUnlock()

	e.waitForResolution(ev)

	ev.assignedMu.Lock()
	deny := ev.deny
	ev.assignedMu.Unlock()
	e.releaseEvent(ev, false, false)

	e.log.Debug().Uint64("event_id", ev.id).Int("groups", len(groups)).Bool("deny", deny).Msg("check_access resolved")

	return !deny, nil
}

// waitForResolution blocks, uninterruptibly with respect to signals,
// until ev.wake closes — spec §9's "re-enter the wait on spurious wake
// until assigned == 0; never return to the caller with the event still
// assigned". Periodically, throttled by stallLimiter, it logs a
// diagnostic if a policy process appears stuck; this never affects when
// the wait actually resolves.
func (e *Engine) waitForResolution(ev *event) {
	ticker := time.NewTicker(stallLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ev.wake:
			return
		case <-ticker.C:
			if _, ok := e.stallLimiter.Allow(ev.id); ok {
				e.log.Warn().
					Uint64("event_id", ev.id).
					Msg("check_access has not resolved recently; a policy process may be stuck")
			}
		}
	}
}

// releaseEvent implements spec §4.3 release_event(event, decrement,
// extraDeny). The decrementing callers are ReturnEvent (one group's
// verdict) and GroupRemove (draining a removed group); whichever call
// drives assigned to zero while the event is not deprecated closes
// ev.wake, resuming CheckAccess's waiter. CheckAccess itself calls it
// with decrement false once its wait has completed; assigned is then
// already zero and the call changes nothing. A call with decrement
// false that finds assigned still non-zero marks the event deprecated.
func (e *Engine) releaseEvent(ev *event, decrement bool, extraDeny bool) {
	ev.assignedMu.Lock()
	if extraDeny {
		ev.deny = true
	}
	if decrement {
		ev.assigned--
		if ev.assigned == 0 && !ev.deprecated {
			close(ev.wake)
		}
	} else if ev.assigned != 0 {
		// The initiator is abandoning this event before every group has
		// responded. Mark it so the eventual last decrement knows not
		// to signal a wake nobody is waiting for any more.
		ev.deprecated = true
	}
	ev.assignedMu.Unlock()
}

// Poll implements spec §4.4 poll: it reports whether group groupID has
// at least one todo-queued event right now, plus a channel that closes
// the next time that state might have changed (new work queued, or the
// group deprecated) — the device layer's poll handler selects on it
// alongside its own cancellation.
func (e *Engine) Poll(groupID int) (ready bool, changed <-chan struct{}, err error) {
	g := e.registry.lookupAndHold(groupID)
	if g == nil {
		return false, nil, newError(KindInvalid, "poll", nil)
	}
	defer g.release()

	e.workMu.Lock()
	defer e.workMu.Unlock()
	return len(g.todo) > 0, g.wake, nil
}

// ClaimedEvent is what GetEvent returns on success: a subject handle
// opened under the claiming policy process's own credentials, plus the
// identifiers needed to later call ReturnEvent.
type ClaimedEvent struct {
	GroupID      int
	EventID      uint64
	Descriptor   uint64
	Handle       subject.Handle
	RequesterPID int
}

// GetEvent implements spec §4.4 get_event: it blocks until groupID has a
// todo-queued event, claims the head of that queue, opens the subject
// file under the calling policy process's credentials (suppressing
// recursive mediation of that open via the Recursion Mask), and returns
// a handle the caller owns until it calls ReturnEvent. Unlike
// CheckAccess's wait, this one is cancellable via ctx, and also
// terminates if the group is removed while waiting.
func (e *Engine) GetEvent(ctx context.Context, groupID int, claimerPID int, creds subject.Credentials) (ClaimedEvent, error) {
	g := e.registry.lookupAndHold(groupID)
	if g == nil {
		return ClaimedEvent{}, newError(KindInvalid, "get_event", nil)
	}
	defer g.release()

	c, err := e.claimHead(ctx, g)
	if err != nil {
		return ClaimedEvent{}, err
	}

	claimerRef := e.pids.Acquire(claimerPID)
	defer e.pids.Release(claimerRef)

	var tok mask.Token
	e.recursionMask.Push(claimerRef, &tok)
	handle, openErr := c.event.subject.Open(ctx, creds)
	e.recursionMask.Unlink(&tok)

	if openErr != nil {
		e.unclaim(g, c)
		return ClaimedEvent{}, openErr
	}

	c.claimed = true
	c.handle = handle
	c.descriptor = e.descriptorCounter.Add(1)

	return ClaimedEvent{
		GroupID:      groupID,
		EventID:      c.event.id,
		Descriptor:   c.descriptor,
		Handle:       handle,
		RequesterPID: c.event.pid.PID(),
	}, nil
}

// claimHead waits until g.todo is non-empty or g becomes unusable, then
// moves its head container into g.working and returns it.
func (e *Engine) claimHead(ctx context.Context, g *group) (*container, error) {
	for {
		e.workMu.Lock()
		if len(g.todo) > 0 {
			c := g.todo[0]
			g.todo = g.todo[1:]
			g.working[c] = struct{}{}
			e.workMu.Unlock()
			return c, nil
		}
		if g.deprecated {
			e.workMu.Unlock()
			return nil, newError(KindInvalid, "get_event", nil)
		}
		ch := g.wake
		e.workMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, newError(KindInterrupted, "get_event", ctx.Err())
		}
	}
}

// unclaim implements spec §4.4's "return an event to the todo list":
// used when an opened claim cannot be completed (the subject open
// failed), it puts the container back for another claimant.
func (e *Engine) unclaim(g *group, c *container) {
	e.workMu.Lock()
	delete(g.working, c)
	c.claimed = false
	c.handle = nil
	c.descriptor = 0
	g.todo = append([]*container{c}, g.todo...)
	g.broadcast()
	e.workMu.Unlock()
}

// ReturnEvent implements spec §4.4 return_event: the policy process
// reports its verdict for one claimed (group, event) pair. Repost
// requeues the container for another claimant without resolving the
// event; Allow/Deny remove the container and feed the verdict into the
// event's deny-biased aggregation.
func (e *Engine) ReturnEvent(groupID int, eventID uint64, verdict Verdict) error {
	g := e.registry.lookupAndHold(groupID)
	if g == nil {
		return newError(KindInvalid, "return_event", nil)
	}
	defer g.release()

	e.workMu.Lock()
	var found *container
	for c := range g.working {
		if c.event.id == eventID {
			found = c
			break
		}
	}
	if found == nil {
		e.workMu.Unlock()
		return newError(KindInvalid, "return_event", nil)
	}

	if verdict == Repost {
		delete(g.working, found)
		found.claimed = false
		if found.handle != nil {
			_ = found.handle.Close()
			found.handle = nil
		}
		found.descriptor = 0
		g.todo = append(g.todo, found)
		g.broadcast()
		e.workMu.Unlock()
		return nil
	}

	delete(g.working, found)
	e.workMu.Unlock()

	if found.handle != nil {
		_ = found.handle.Close()
	}
	e.releaseEvent(found.event, true, verdict == Deny)
	return nil
}

// Reclaim requeues a claimed-but-unanswered event for group groupID, as
// if its claimant had returned Repost. This supplements the device
// layer's per-connection group-device semantics: when a policy
// process's connection to a group device closes without having
// answered every event it claimed, those claims must not be lost —
// they go back to todo for the next claimant, exactly like an explicit
// Repost (grounded on the original group_dev.c release handler).
func (e *Engine) Reclaim(groupID int, eventID uint64) error {
	return e.ReturnEvent(groupID, eventID, Repost)
}

// GroupAdd implements spec §4.1 add(name, tracking).
func (e *Engine) GroupAdd(name string, tracking bool) (int, error) {
	g, _, err := e.registry.addOrGet(name, tracking)
	if err != nil {
		return 0, err
	}
	return g.id, nil
}

// GroupRemove implements spec §4.1 remove(name): marks the group
// deprecated, drains its pending and in-progress events (releasing each
// with an implicit Allow vote, per spec §4.4's "a group that never
// answers must not itself cause a deny"), and wakes every waiter.
// Succeeds, as a no-op, if no such group exists.
func (e *Engine) GroupRemove(name string) error {
	g := e.registry.deprecate(name)
	if g == nil {
		return nil
	}

	e.workMu.Lock()
	events := make([]*event, 0, len(g.todo)+len(g.working))
	for _, c := range g.todo {
		events = append(events, c.event)
	}
	for c := range g.working {
		if c.handle != nil {
			_ = c.handle.Close()
		}
		events = append(events, c.event)
	}
	g.todo = nil
	g.working = make(map[*container]struct{})
	g.broadcast()
	e.workMu.Unlock()

	for _, ev := range events {
		e.releaseEvent(ev, true, false)
	}
	return nil
}

// GroupList implements spec §4.1 list(): a "<id>:<name>\n" line per
// active (non-deprecated) group.
func (e *Engine) GroupList() string {
	return e.registry.list()
}

// GroupOpenTracking implements spec §4.5: registers the calling policy
// process against groupID's tracking count, if that group has tracking
// enabled. It returns false (and does nothing) if the group does not
// exist, is deprecated, or does not have tracking enabled.
func (e *Engine) GroupOpenTracking(groupID int) bool {
	g := e.registry.peek(groupID)
	if g == nil {
		return false
	}

	e.workMu.Lock()
	defer e.workMu.Unlock()
	if g.deprecated || !g.tracking {
		return false
	}
	g.hold()
	g.trackCount++
	return true
}

// GroupReleaseTracking implements spec §4.5's unregister half: when the
// last tracked policy process for a tracking-enabled group releases, the
// group is removed automatically, the same as an explicit GroupRemove.
func (e *Engine) GroupReleaseTracking(groupID int) {
	g := e.registry.peek(groupID)
	if g == nil {
		return
	}

	e.workMu.Lock()
	if g.deprecated || !g.tracking {
		e.workMu.Unlock()
		return
	}
	g.release()
	g.trackCount--
	shouldRemove := g.trackCount == 0
	name := g.name
	e.workMu.Unlock()

	if shouldRemove {
		e.GroupRemove(name)
	}
}
