//go:build !linux

package device

import (
	"errors"
	"net"
)

// errPeerCredUnsupported is returned by peerPID on platforms without
// SO_PEERCRED; the simulated boundary's process-identity resolution is
// Linux-specific, same as the filesystem it simulates.
var errPeerCredUnsupported = errors.New("device: peer credential resolution requires linux")

func peerPID(_ *net.UnixConn) (int, error) {
	return 0, errPeerCredUnsupported
}
