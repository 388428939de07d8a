// Package device is the External Boundary (spec §6): it simulates the
// three character-device families — `<name>.ctrl`, `<name>.ign`, and
// `<name>.<k>` for k in [0, GroupMax) — as Unix domain sockets, one
// listener per device, under a configured directory.
//
// Three details are necessarily invented, because a userspace socket is
// not a kernel character device:
//
//  1. Descriptor tokens. A group device's read reply includes an
//     `fd=<F>` field that, on a real system, is a freshly-installed file
//     descriptor in the claiming process's own table, usable directly
//     with read(2)/mmap(2)/etc. There is no shared kernel file table
//     here, so `<F>` is instead a monotonically increasing token unique
//     across the whole Engine (arbiter.ClaimedEvent.Descriptor), not
//     per-connection. A real integration translates it by keeping its
//     own side-table from token to the subject.Handle that
//     arbiter.Engine.GetEvent returns; this package does not send the
//     handle itself over the wire.
//  2. Explicit pull requests. A real read(2) on the device is itself the
//     signal that the calling process wants the next event or listing
//     chunk — the kernel driver's .read file-operation runs synchronously
//     inside that syscall. A socket has no equivalent of "the peer just
//     called read()"; the peer must say so. Connections therefore send a
//     request token (`get` or `poll` on a group device, `list` or
//     `version` on the ctrl device) before the server will write a
//     reply. A group device's `get` token may optionally carry the
//     declared read(2) buffer length as `get <n>`, standing in for the
//     length argument a real read(2) call would carry, so the
//     GroupMinReadBuffer boundary (spec §6/§8) still has something to
//     check against; `get` with no argument declares no bound and is
//     always accepted. `poll` stands in for a single poll(2)/epoll(7)
//     readiness check: it answers once with the group's current
//     readiness and does not stay registered for a later asynchronous
//     wakeup the way a real poll wait would — a caller that wants to
//     block until readiness changes reissues `poll`, same as repeated
//     poll(2) calls from userspace. This is purely a transport
//     artifact: every other byte-level behavior — the command grammar,
//     the buffer-size boundaries, the read/write/poll semantics they
//     gate — matches spec §6 exactly.
//  3. Message framing. spec §6's own payloads (e.g. group reads'
//     "id=<E>\nfd=<F>\npid=<P>\n") already use embedded newlines as part
//     of their content, not as a transport delimiter — a real read(2)/
//     write(2) call has no ambiguity because the whole buffer is one
//     message regardless of what's in it. A stream socket needs an
//     explicit terminator, so every message (request or reply) here is
//     followed by one blank line; the content between frames is exactly
//     the spec-specified payload, unmodified.
package device
