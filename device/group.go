package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joeycumines/dazukofs/arbiter"
	"github.com/joeycumines/dazukofs/subject"
)

func (s *Server) serveGroup(ctx context.Context, ln net.Listener, groupID int) error {
	return acceptLoop(ctx, ln, fmt.Sprintf("group[%d]", groupID), func(conn *net.UnixConn) {
		s.handleGroupConn(ctx, conn, groupID)
	})
}

// handleGroupConn serves one policy process's connection to a group
// device (spec §6 "Group device"): get requests block for the next
// event, writes post a verdict, and disconnecting reclaims any
// claimed-but-unanswered containers and releases open tracking.
func (s *Server) handleGroupConn(ctx context.Context, conn *net.UnixConn, groupID int) {
	defer conn.Close()

	connID := uuid.NewString()
	s.log.Debug().Str("conn", connID).Int("group", groupID).Msg("group connection opened")

	tracking := s.engine.GroupOpenTracking(groupID)

	var claimed []uint64 // event ids claimed but not yet returned
	defer func() {
		for _, id := range claimed {
			_ = s.engine.Reclaim(groupID, id)
		}
		if tracking {
			s.engine.GroupReleaseTracking(groupID)
		}
		s.log.Debug().Str("conn", connID).Int("group", groupID).Int("reclaimed", len(claimed)).Msg("group connection closed")
	}()

	pid, pidErr := peerPID(conn)

	r := bufio.NewReader(conn)
	for {
		frame, err := readFrame(r)
		if err != nil {
			return
		}
		line := strings.TrimRight(frame, "\n")

		switch {
		case line == "get" || strings.HasPrefix(line, "get "):
			if n, ok := parseGetBufLen(line); ok && n < GroupMinReadBuffer {
				_ = writeFrame(conn, "err=invalid")
				continue
			}
			if pidErr != nil {
				_ = writeFrame(conn, "err=fault")
				continue
			}
			claimedEv, err := s.engine.GetEvent(ctx, groupID, pid, subject.Credentials{})
			if err != nil {
				_ = writeFrame(conn, "err="+groupErrKind(err))
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				continue
			}
			claimed = append(claimed, claimedEv.EventID)
			reply := fmt.Sprintf("id=%d\nfd=%d\npid=%d\n", claimedEv.EventID, claimedEv.Descriptor, claimedEv.RequesterPID)
			if err := writeFrame(conn, reply); err != nil {
				return
			}

		case line == "poll":
			ready, _, err := s.engine.Poll(groupID)
			if err != nil {
				_ = writeFrame(conn, "err="+groupErrKind(err))
				continue
			}
			// The wake channel Poll also returns has no wire equivalent
			// here: a device request is answered once and doesn't stay
			// registered for a later asynchronous wakeup the way a real
			// poll(2)/epoll(7) wait would. Callers that want to block
			// until readiness changes reissue "poll", same as repeated
			// poll(2) calls from userspace.
			if ready {
				_ = writeFrame(conn, "ready=1")
			} else {
				_ = writeFrame(conn, "ready=0")
			}

		case strings.HasPrefix(line, "id="):
			if len(line) > GroupMaxVerdictBytes {
				_ = writeFrame(conn, "err=invalid")
				continue
			}
			eventID, verdict, ok := parseVerdictLine(line)
			if !ok {
				_ = writeFrame(conn, "err=invalid")
				continue
			}
			if err := s.engine.ReturnEvent(groupID, eventID, verdict); err != nil {
				_ = writeFrame(conn, "err="+groupErrKind(err))
				continue
			}
			claimed = removeEventID(claimed, eventID)
			_ = writeFrame(conn, "ok")

		default:
			_ = writeFrame(conn, "err=invalid")
		}
	}
}

// parseVerdictLine parses "id=<E>\nr=<R>" (frame-terminated), grounded
// on group_dev.c's dazukofs_group_write scan for "id=" then "r=".
func parseVerdictLine(s string) (eventID uint64, verdict arbiter.Verdict, ok bool) {
	idStr, rest, found := strings.Cut(s, "\n")
	if !found || !strings.HasPrefix(idStr, "id=") {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(idStr, "id="), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	rest = strings.TrimPrefix(rest, "\n")
	if !strings.HasPrefix(rest, "r=") || len(rest) < len("r=")+1 {
		return 0, 0, false
	}
	// Grounded on group_dev.c's dazukofs_group_write: any non-'0' digit
	// is DENY, '0' is ALLOW. Repost is never client-selectable; it is
	// only produced internally (see handleGroupConn's disconnect
	// reclaim).
	if rest[len("r=")] == '0' {
		return id, arbiter.Allow, true
	}
	return id, arbiter.Deny, true
}

// parseGetBufLen extracts the declared read-buffer length from a "get
// <n>" request, simulating the length argument a real read(2) syscall
// would carry (spec §6's "reads with too small a buffer fail INVALID").
// "get" with no argument means the caller declares no bound, and is
// always accepted.
func parseGetBufLen(line string) (n int, ok bool) {
	_, arg, found := strings.Cut(line, " ")
	if !found {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, false
	}
	return v, true
}

func removeEventID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func groupErrKind(err error) string {
	var ae *arbiter.Error
	if errors.As(err, &ae) {
		return ae.Kind.String()
	}
	return "invalid"
}
