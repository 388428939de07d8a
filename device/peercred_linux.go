//go:build linux

package device

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerPID resolves the real PID of the process on the other end of a
// Unix domain socket connection via SO_PEERCRED, grounded on the
// original implementation's use of task_pid_nr(current) to identify the
// calling process — here there is no "current", so the boundary asks
// the kernel directly, the same way eventloop's epoll poller already
// reaches into golang.org/x/sys/unix for platform syscalls.
func peerPID(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		ucred *unix.Ucred
		ucErr error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, ucErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if ucErr != nil {
		return 0, ucErr
	}
	return int(ucred.Pid), nil
}
