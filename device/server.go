package device

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joeycumines/dazukofs/arbiter"
	"github.com/joeycumines/dazukofs/config"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server exposes an arbiter.Engine's group-facing API (spec §6) as a
// family of Unix domain sockets, one per simulated device file.
type Server struct {
	cfg    config.Config
	engine *arbiter.Engine
	log    zerolog.Logger
}

// NewServer returns a Server for engine, serving the device sockets
// described by cfg.
func NewServer(cfg config.Config, engine *arbiter.Engine, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, engine: engine, log: log}
}

func (s *Server) socketPath(suffix string) string {
	return filepath.Join(s.cfg.SocketDir, fmt.Sprintf("%s.%s", s.cfg.DeviceName, suffix))
}

func (s *Server) listen(suffix string) (net.Listener, error) {
	path := s.socketPath(suffix)
	// A prior run's socket file may still exist; remove it so bind
	// doesn't fail with "address already in use".
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("device: listen %s: %w", path, err)
	}
	return ln, nil
}

// ListenAndServe creates every device socket under cfg.SocketDir and
// serves connections until ctx is cancelled, then tears every listener
// down and returns once every accept loop has exited. Connection
// handlers that are still running are not waited for, and the shutdown
// does not close their connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.SocketDir, 0o750); err != nil {
		return fmt.Errorf("device: socket dir: %w", err)
	}

	ctrlLn, err := s.listen("ctrl")
	if err != nil {
		return err
	}
	ignLn, err := s.listen("ign")
	if err != nil {
		_ = ctrlLn.Close()
		return err
	}

	groupLns := make([]net.Listener, s.cfg.GroupMax)
	listeners := []net.Listener{ctrlLn, ignLn}
	for k := range groupLns {
		ln, err := s.listen(strconv.Itoa(k))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		groupLns[k] = ln
		listeners = append(listeners, ln)
	}

	s.log.Info().
		Str("socket_dir", s.cfg.SocketDir).
		Str("device_name", s.cfg.DeviceName).
		Int("group_max", s.cfg.GroupMax).
		Msg("device sockets listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serveCtrl(gctx, ctrlLn) })
	g.Go(func() error { return s.serveIgn(gctx, ignLn) })
	for k, ln := range groupLns {
		k, ln := k, ln
		g.Go(func() error { return s.serveGroup(gctx, ln, k) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// acceptLoop runs accept in a loop, invoking handle for each connection
// in its own goroutine, until ctx is cancelled (at which point the
// listener is expected to already be closed by the caller's shutdown
// goroutine, so Accept's resulting error is swallowed).
func acceptLoop(ctx context.Context, ln net.Listener, op string, handle func(conn *net.UnixConn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("device: %s accept: %w", op, err)
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			_ = conn.Close()
			continue
		}
		go handle(uc)
	}
}
