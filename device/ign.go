package device

import (
	"context"
	"net"
)

func (s *Server) serveIgn(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, ln, "ign", s.handleIgnConn)
}

// handleIgnConn implements the ignore device (spec §4.2, §6): opening a
// connection registers the peer process in the Ignore Registry for as
// long as the connection stays open, grounded on ign_dev.c's
// open/close-refcounted dazukofs_add_ign/dazukofs_remove_ign. There is
// no read/write grammar on this device; a connection's mere existence
// is the whole protocol.
func (s *Server) handleIgnConn(conn *net.UnixConn) {
	defer conn.Close()

	pid, err := peerPID(conn)
	if err != nil {
		return
	}
	ref := s.engine.PIDTable().Acquire(pid)
	defer s.engine.PIDTable().Release(ref)

	s.engine.IgnoreRegistry().Add(ref)
	defer s.engine.IgnoreRegistry().Remove(ref)

	// Block until the peer disconnects; a single byte read is enough
	// to detect EOF/reset without busy-polling.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
