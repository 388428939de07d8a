package mask_test

import (
	"testing"

	"github.com/joeycumines/dazukofs/mask"
	"github.com/joeycumines/dazukofs/pidref"
	"github.com/stretchr/testify/require"
)

func TestPushTake(t *testing.T) {
	m := mask.New()
	pid := pidref.Acquire(300)
	var tok mask.Token
	m.Push(pid, &tok)
	require.True(t, tok.Linked())

	require.True(t, m.Take(pid))
	require.False(t, tok.Linked())
}

func TestTakeWithoutPushReturnsFalse(t *testing.T) {
	m := mask.New()
	require.False(t, m.Take(pidref.Acquire(999)))
}

func TestTakeIsLIFOPerPID(t *testing.T) {
	m := mask.New()
	pid := pidref.Acquire(5)
	var t1, t2 mask.Token
	m.Push(pid, &t1)
	m.Push(pid, &t2)

	require.True(t, m.Take(pid))
	require.False(t, t2.Linked())
	require.True(t, t1.Linked(), "first pushed token still linked")

	require.True(t, m.Take(pid))
	require.False(t, t1.Linked())
}

func TestUnlinkDefensive(t *testing.T) {
	m := mask.New()
	pid := pidref.Acquire(1)
	var tok mask.Token
	m.Push(pid, &tok)

	require.True(t, m.Take(pid))
	// already unlinked by Take; Unlink must be a safe no-op
	m.Unlink(&tok)

	pid2 := pidref.Acquire(2)
	var tok2 mask.Token
	m.Push(pid2, &tok2)
	m.Unlink(&tok2)
	require.False(t, tok2.Linked())
	require.False(t, m.Take(pid2))
}

func TestDistinctPIDsIndependent(t *testing.T) {
	m := mask.New()
	pid1, pid2, pid3 := pidref.Acquire(1), pidref.Acquire(2), pidref.Acquire(3)
	var a, b mask.Token
	m.Push(pid1, &a)
	m.Push(pid2, &b)

	require.False(t, m.Take(pid3))
	require.True(t, m.Take(pid1))
	require.True(t, b.Linked())
	require.True(t, m.Take(pid2))
}
