// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// fdFromSyscallConn dup(2)s the raw fd underlying conn so the caller owns an
// independent descriptor: closing conn later does not affect the dup, and
// closing the dup does not affect conn. Mirrors the fcntl/dup fallback dance
// other raw-fd socket wrappers in the ecosystem use when adopting an
// *os.File-backed net.Conn (see other_examples' mdlayher/socket FileConn).
func fdFromSyscallConn(conn syscall.Conn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var dup int
	var dupErr error
	err = rc.Control(func(fd uintptr) {
		dup, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	return dup, nil
}

// NewConnStreamTransport adopts an already-connected net.Conn (TCP or Unix
// stream) as a StreamTransport: it dups the underlying fd, hands the dup to
// the reactor-facing rawConn machinery, and closes the caller's net.Conn
// since the transport now owns an independent descriptor for the same
// socket. The original conn can still be used for anything that does not
// touch the fd (e.g. conn.RemoteAddr()) before this call.
func NewConnStreamTransport(loop Loop, conn net.Conn, protocol Protocol, server any, opts ...TransportOption) (*StreamTransport, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("ioruntime: %T does not expose a raw fd", conn)
	}
	fd, err := fdFromSyscallConn(sc)
	if err != nil {
		return nil, err
	}
	fc, err := newFdConn(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	raddr, laddr := conn.RemoteAddr(), conn.LocalAddr()
	_ = conn.Close()

	t := NewStreamTransport(loop, fc, protocol, server, opts...)
	t.extra.Set("peername", raddr)
	t.extra.Set("sockname", laddr)
	return t, nil
}
