package device

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joeycumines/dazukofs/arbiter"
	"github.com/joeycumines/dazukofs/config"
)

func (s *Server) serveCtrl(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, ln, "ctrl", s.handleCtrlConn)
}

// handleCtrlConn serves one ctrl-device connection: add=/addtrack=/del=
// group-management commands, plus the list/version pull requests
// (spec §6 "Control device").
func (s *Server) handleCtrlConn(conn *net.UnixConn) {
	defer conn.Close()

	connID := uuid.NewString()
	s.log.Debug().Str("conn", connID).Msg("ctrl connection opened")
	defer func() { s.log.Debug().Str("conn", connID).Msg("ctrl connection closed") }()

	r := bufio.NewReader(conn)

	// cache and cursor implement the same "snapshot the listing on
	// first read, then page through it" behavior as the original's
	// file->private_data caching in ctrl_dev.c; our list request lacks
	// an explicit buffer-length argument (see doc.go note 2), so in
	// practice the first list request drains the whole cache and every
	// later list request on the same connection gets an empty reply,
	// like a read at end of file: the listing is rendered once per
	// connection and never refreshed.
	var (
		haveCache bool
		cache     string
		cursor    int
	)

	for {
		frame, err := readFrame(r)
		if err != nil {
			return
		}
		line := strings.TrimRight(frame, "\n")

		switch {
		case line == "list":
			if !haveCache {
				cache = s.engine.GroupList()
				haveCache = true
				cursor = 0
			}
			chunk := cache[cursor:]
			cursor = len(cache)
			if err := writeFrame(conn, chunk); err != nil {
				return
			}

		case line == "version":
			if err := writeFrame(conn, config.Version); err != nil {
				return
			}

		case strings.HasPrefix(line, "add="):
			s.handleGroupAdd(conn, line, strings.TrimPrefix(line, "add="), false)

		case strings.HasPrefix(line, "addtrack="):
			s.handleGroupAdd(conn, line, strings.TrimPrefix(line, "addtrack="), true)

		case strings.HasPrefix(line, "del="):
			s.handleGroupDel(conn, line, strings.TrimPrefix(line, "del="))

		default:
			if err := writeFrame(conn, "err=invalid"); err != nil {
				return
			}
		}
	}
}

// handleGroupAdd processes an add=/addtrack= command. cmd is the whole
// matched line (prefix included), used only to measure the real
// write's total length against CtrlMaxCommandBytes — using the
// matched prefix's own length, not a hard-coded one, since "add=" and
// "addtrack=" differ in length and a check sized for the former would
// wrongly admit an oversized "addtrack=" command.
func (s *Server) handleGroupAdd(conn *net.UnixConn, cmd, name string, tracking bool) {
	if len(cmd) > CtrlMaxCommandBytes || name == "" {
		_ = writeFrame(conn, "err=invalid")
		return
	}
	id, err := s.engine.GroupAdd(name, tracking)
	if err != nil {
		_ = writeFrame(conn, "err="+ctrlErrKind(err))
		return
	}
	_ = writeFrame(conn, "ok=add,id="+strconv.Itoa(id))
}

// handleGroupDel processes a del= command; see handleGroupAdd for why
// cmd (the whole matched line) is what's measured against
// CtrlMaxCommandBytes.
func (s *Server) handleGroupDel(conn *net.UnixConn, cmd, name string) {
	if len(cmd) > CtrlMaxCommandBytes || name == "" {
		_ = writeFrame(conn, "err=invalid")
		return
	}
	if err := s.engine.GroupRemove(name); err != nil {
		_ = writeFrame(conn, "err="+ctrlErrKind(err))
		return
	}
	_ = writeFrame(conn, "ok=del")
}

func ctrlErrKind(err error) string {
	var ae *arbiter.Error
	if errors.As(err, &ae) {
		return ae.Kind.String()
	}
	return "invalid"
}
