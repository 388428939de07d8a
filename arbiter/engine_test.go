package arbiter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/dazukofs/arbiter"
	"github.com/joeycumines/dazukofs/subject"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{}

func (fakeHandle) Read([]byte) (int, error)          { return 0, nil }
func (fakeHandle) ReadAt([]byte, int64) (int, error) { return 0, nil }
func (fakeHandle) Close() error                      { return nil }

type fakeSubject struct {
	path      string
	openCalls int
	onOpen    func(ctx context.Context)
	mu        sync.Mutex
}

func (s *fakeSubject) Path() string { return s.path }

func (s *fakeSubject) Open(ctx context.Context, _ subject.Credentials) (subject.Handle, error) {
	s.mu.Lock()
	s.openCalls++
	s.mu.Unlock()
	if s.onOpen != nil {
		s.onOpen(ctx)
	}
	return fakeHandle{}, nil
}

func waitGroupReady(t *testing.T, e *arbiter.Engine, groupID int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		ready, changed, err := e.Poll(groupID)
		require.NoError(t, err)
		if ready {
			return
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatal("timed out waiting for group to become ready")
		}
	}
}

func TestCheckAccessNoGroupsAllows(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	allow, err := e.CheckAccess(context.Background(), &fakeSubject{path: "a.txt"}, 100)
	require.NoError(t, err)
	require.True(t, allow)
}

func TestSingleGroupAllow(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id, err := e.GroupAdd("scan", false)
	require.NoError(t, err)
	require.Equal(t, 0, id)

	var allow bool
	var accessErr error
	done := make(chan struct{})
	go func() {
		allow, accessErr = e.CheckAccess(context.Background(), &fakeSubject{path: "a.txt"}, 100)
		close(done)
	}()

	waitGroupReady(t, e, id)
	claim, err := e.GetEvent(context.Background(), id, 300, subject.Credentials{})
	require.NoError(t, err)
	require.Equal(t, 100, claim.RequesterPID)

	require.NoError(t, e.ReturnEvent(id, claim.EventID, arbiter.Allow))

	<-done
	require.NoError(t, accessErr)
	require.True(t, allow)
}

func TestSingleGroupDeny(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id, err := e.GroupAdd("scan", false)
	require.NoError(t, err)

	var allow bool
	done := make(chan struct{})
	go func() {
		allow, _ = e.CheckAccess(context.Background(), &fakeSubject{path: "a.txt"}, 100)
		close(done)
	}()

	waitGroupReady(t, e, id)
	claim, err := e.GetEvent(context.Background(), id, 300, subject.Credentials{})
	require.NoError(t, err)
	require.NoError(t, e.ReturnEvent(id, claim.EventID, arbiter.Deny))

	<-done
	require.False(t, allow)
}

func TestMultiGroupUnanimousAllow(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	avID, err := e.GroupAdd("av", false)
	require.NoError(t, err)
	dlpID, err := e.GroupAdd("dlp", false)
	require.NoError(t, err)

	var allow bool
	done := make(chan struct{})
	go func() {
		allow, _ = e.CheckAccess(context.Background(), &fakeSubject{path: "a.txt"}, 100)
		close(done)
	}()

	waitGroupReady(t, e, avID)
	waitGroupReady(t, e, dlpID)

	avClaim, err := e.GetEvent(context.Background(), avID, 301, subject.Credentials{})
	require.NoError(t, err)
	dlpClaim, err := e.GetEvent(context.Background(), dlpID, 302, subject.Credentials{})
	require.NoError(t, err)
	require.Equal(t, avClaim.EventID, dlpClaim.EventID, "both groups see the same event id")

	require.NoError(t, e.ReturnEvent(avID, avClaim.EventID, arbiter.Allow))
	require.NoError(t, e.ReturnEvent(dlpID, dlpClaim.EventID, arbiter.Allow))

	<-done
	require.True(t, allow)
}

func TestMultiGroupOneDeniesRegardlessOfOrder(t *testing.T) {
	for _, denyFirst := range []bool{true, false} {
		e := arbiter.New(arbiter.Options{})
		avID, err := e.GroupAdd("av", false)
		require.NoError(t, err)
		dlpID, err := e.GroupAdd("dlp", false)
		require.NoError(t, err)

		var allow bool
		done := make(chan struct{})
		go func() {
			allow, _ = e.CheckAccess(context.Background(), &fakeSubject{path: "a.txt"}, 100)
			close(done)
		}()

		waitGroupReady(t, e, avID)
		waitGroupReady(t, e, dlpID)
		avClaim, err := e.GetEvent(context.Background(), avID, 301, subject.Credentials{})
		require.NoError(t, err)
		dlpClaim, err := e.GetEvent(context.Background(), dlpID, 302, subject.Credentials{})
		require.NoError(t, err)

		if denyFirst {
			require.NoError(t, e.ReturnEvent(avID, avClaim.EventID, arbiter.Deny))
			require.NoError(t, e.ReturnEvent(dlpID, dlpClaim.EventID, arbiter.Allow))
		} else {
			require.NoError(t, e.ReturnEvent(dlpID, dlpClaim.EventID, arbiter.Allow))
			require.NoError(t, e.ReturnEvent(avID, avClaim.EventID, arbiter.Deny))
		}

		<-done
		require.False(t, allow, "deny is sticky regardless of return order")
	}
}

func TestRepostRequeuesForAnotherClaimant(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id, err := e.GroupAdd("av", false)
	require.NoError(t, err)

	var allow bool
	done := make(chan struct{})
	go func() {
		allow, _ = e.CheckAccess(context.Background(), &fakeSubject{path: "a.txt"}, 100)
		close(done)
	}()

	waitGroupReady(t, e, id)
	firstClaim, err := e.GetEvent(context.Background(), id, 301, subject.Credentials{})
	require.NoError(t, err)

	// policy process A "crashes" without responding; its connection
	// reclaims the claim instead (grounded on group_dev.c close-time
	// reclamation).
	require.NoError(t, e.Reclaim(id, firstClaim.EventID))

	waitGroupReady(t, e, id)
	secondClaim, err := e.GetEvent(context.Background(), id, 302, subject.Credentials{})
	require.NoError(t, err)
	require.Equal(t, firstClaim.EventID, secondClaim.EventID)

	require.NoError(t, e.ReturnEvent(id, secondClaim.EventID, arbiter.Allow))

	<-done
	require.True(t, allow)
}

func TestRemovalWhilePendingAllows(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id, err := e.GroupAdd("av", false)
	require.NoError(t, err)

	var allow bool
	var accessErr error
	done := make(chan struct{})
	go func() {
		allow, accessErr = e.CheckAccess(context.Background(), &fakeSubject{path: "a.txt"}, 100)
		close(done)
	}()

	waitGroupReady(t, e, id)
	require.NoError(t, e.GroupRemove("av"))

	<-done
	require.NoError(t, accessErr)
	require.True(t, allow, "a drained group must not cause a deny")

	_, _, err = e.Poll(id)
	require.ErrorIs(t, err, arbiter.ErrInvalid)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.GetEvent(ctx, id, 301, subject.Credentials{})
	require.Error(t, err)
}

func TestIgnoredProcessBypassesFanOut(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id, err := e.GroupAdd("av", false)
	require.NoError(t, err)

	ref := e.PIDTable().Acquire(200)
	e.IgnoreRegistry().Add(ref)
	defer func() {
		e.IgnoreRegistry().Remove(ref)
		e.PIDTable().Release(ref)
	}()

	allow, err := e.CheckAccess(context.Background(), &fakeSubject{path: "a.txt"}, 200)
	require.NoError(t, err)
	require.True(t, allow)

	ready, _, err := e.Poll(id)
	require.NoError(t, err)
	require.False(t, ready, "no container should have been queued for an ignored pid")
}

func TestRecursionSuppressionOnPolicyOpen(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id, err := e.GroupAdd("av", false)
	require.NoError(t, err)

	subj := &fakeSubject{path: "a.txt"}

	// Route the policy process's (pid 300) own open of the subject,
	// performed inside GetEvent, back through check_access, as the
	// host's access hook would. The recursion mask entry GetEvent pushed
	// for pid 300 must make that nested call allow without fanning out.
	var recursiveAllow bool
	var recursiveErr error
	subj.onOpen = func(ctx context.Context) {
		recursiveAllow, recursiveErr = e.CheckAccess(ctx, &fakeSubject{path: "a.txt"}, 300)
	}

	var allow bool
	done := make(chan struct{})
	go func() {
		allow, _ = e.CheckAccess(context.Background(), subj, 100)
		close(done)
	}()

	waitGroupReady(t, e, id)
	claim, err := e.GetEvent(context.Background(), id, 300, subject.Credentials{})
	require.NoError(t, err)

	require.Equal(t, 1, subj.openCalls, "get_event's own open must have happened exactly once")
	require.NoError(t, recursiveErr)
	require.True(t, recursiveAllow, "the engine-originated open must be allowed by the recursion mask")

	ready, _, err := e.Poll(id)
	require.NoError(t, err)
	require.False(t, ready, "the engine-originated open must not have queued a second event")

	require.NoError(t, e.ReturnEvent(id, claim.EventID, arbiter.Allow))
	<-done
	require.True(t, allow)
}

func TestGroupAddIdempotent(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id1, err := e.GroupAdd("av", false)
	require.NoError(t, err)
	id2, err := e.GroupAdd("av", false)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, 1, len(splitLines(e.GroupList())))
}

func TestGroupAddRemoveAddReusesFreshID(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id1, err := e.GroupAdd("av", false)
	require.NoError(t, err)
	require.NoError(t, e.GroupRemove("av"))

	// the deprecated group isn't reaped until the next add.
	id2, err := e.GroupAdd("av", false)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "smallest available id is the one just vacated")
}

func TestGroupMaxLimit(t *testing.T) {
	e := arbiter.New(arbiter.Options{GroupMax: 2})
	_, err := e.GroupAdd("a", false)
	require.NoError(t, err)
	_, err = e.GroupAdd("b", false)
	require.NoError(t, err)
	_, err = e.GroupAdd("c", false)
	require.ErrorIs(t, err, arbiter.ErrLimit)
}

func TestGroupRemoveNonExistentIsNoop(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	require.NoError(t, e.GroupRemove("does-not-exist"))
}

func TestGroupOpenReleaseTrackingRemovesOnLastRelease(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id, err := e.GroupAdd("av", true)
	require.NoError(t, err)

	require.True(t, e.GroupOpenTracking(id))
	require.True(t, e.GroupOpenTracking(id))

	e.GroupReleaseTracking(id)
	require.Contains(t, e.GroupList(), "av")

	e.GroupReleaseTracking(id)
	require.NotContains(t, e.GroupList(), "av")
}

func TestGetEventCancelledByContext(t *testing.T) {
	e := arbiter.New(arbiter.Options{})
	id, err := e.GroupAdd("av", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.GetEvent(ctx, id, 300, subject.Credentials{})
	require.ErrorIs(t, err, arbiter.ErrInterrupted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
