// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"io"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// fdConn is a rawConn over a raw non-blocking fd, translating EAGAIN into
// iox.ErrWouldBlock the way the rest of this module expects, and EOF-on-read
// into io.EOF. It is the concrete rawConn used for subprocess pipes and
// Unix pipe transports, and NewConnStreamTransport wraps adopted stream
// sockets in it too.
type fdConn struct {
	fd int
}

// newFdConn sets fd non-blocking and wraps it.
func newFdConn(fd int) (*fdConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &fdConn{fd: fd}, nil
}

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, iox.ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *fdConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return n, iox.ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (c *fdConn) Close() error { return unix.Close(c.fd) }
func (c *fdConn) Fd() int      { return c.fd }
