// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"errors"
	"io"
	"sync"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// validatePipeFd checks via fstat that fd is a FIFO, socket, or char
// device, matching spec §4.6's validation of Unix pipe transports.
func validatePipeFd(fd int) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return err
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFIFO, unix.S_IFSOCK, unix.S_IFCHR:
		return nil
	default:
		return ErrNotFIFOSocketOrChar
	}
}

// ReadPipeTransport wraps a read-only fd (a FIFO, socket, or char device)
// and feeds DataReceived/EOFReceived to its protocol. Construction yields
// one tick (via loop.CallSoon) before ConnectionMade so the protocol is
// only reachable after setup completes.
type ReadPipeTransport struct {
	loop  Loop
	conn  rawConn
	proto Protocol
	opts  TransportOptions
	extra *ExtraInfo

	mu             sync.Mutex
	closing        bool
	connectionLost bool
}

// NewReadPipeTransport validates fd's kind and schedules construction.
func NewReadPipeTransport(loop Loop, conn rawConn, protocol Protocol, opts ...TransportOption) (*ReadPipeTransport, error) {
	if err := validatePipeFd(conn.Fd()); err != nil {
		return nil, err
	}
	t := &ReadPipeTransport{loop: loop, conn: conn, proto: protocol, opts: resolveTransportOptions(opts...), extra: newExtraInfo()}
	t.extra.Set("pipe", conn)
	loop.CallSoon(func() {
		protocol.ConnectionMade(t)
		_ = loop.AddReader(conn.Fd(), t.onReadable)
	})
	return t, nil
}

func (t *ReadPipeTransport) onReadable() {
	if t.connectionLost {
		return
	}
	buf := make([]byte, t.opts.RecvBufferSize)
	n, err := t.conn.Read(buf)
	if n > 0 {
		t.proto.DataReceived(buf[:n])
	}
	if err == nil {
		return
	}
	if errors.Is(err, iox.ErrWouldBlock) || errors.Is(err, iox.ErrMore) {
		return
	}
	if err == io.EOF {
		// The Open Question about this return value being ignored (see
		// DESIGN.md) is preserved: eof_received's bool is not consulted for
		// a read-only pipe, which always finalizes on EOF regardless.
		t.proto.EOFReceived()
		t.finalize(nil)
		return
	}
	t.finalize(err)
}

func (t *ReadPipeTransport) finalize(err error) {
	t.mu.Lock()
	if t.connectionLost {
		t.mu.Unlock()
		return
	}
	t.connectionLost = true
	t.mu.Unlock()
	_ = t.loop.RemoveReader(t.conn.Fd())
	_ = t.conn.Close()
	t.proto.ConnectionLost(err)
}

// Close finalizes immediately; a read-only pipe has nothing to drain.
func (t *ReadPipeTransport) Close() { t.finalize(nil) }

// GetExtraInfo satisfies Transport.
func (t *ReadPipeTransport) GetExtraInfo(name string, def any) any { return t.extra.Get(name, def) }

// IsClosing reports whether the pipe has already been torn down.
func (t *ReadPipeTransport) IsClosing() bool { return t.connectionLost }

// WritePipeTransport wraps a write-only fd. On platforms that support it, a
// reader is also armed on the fd: any readable event on a write-only pipe
// means the peer closed its end, surfaced as BrokenPipeError if the write
// buffer is non-empty, else a clean close.
type WritePipeTransport struct {
	loop  Loop
	conn  rawConn
	proto Protocol
	opts  TransportOptions
	extra *ExtraInfo

	mu             sync.Mutex
	writeQueue     []*writeChunk
	writeBufSize   int
	writerArmed    bool
	closing        bool
	connectionLost bool
}

// NewWritePipeTransport validates fd's kind and schedules construction.
func NewWritePipeTransport(loop Loop, conn rawConn, protocol Protocol, opts ...TransportOption) (*WritePipeTransport, error) {
	if err := validatePipeFd(conn.Fd()); err != nil {
		return nil, err
	}
	t := &WritePipeTransport{loop: loop, conn: conn, proto: protocol, opts: resolveTransportOptions(opts...), extra: newExtraInfo()}
	t.extra.Set("pipe", conn)
	loop.CallSoon(func() {
		protocol.ConnectionMade(t)
		_ = loop.AddReader(conn.Fd(), t.onPeerSignal)
	})
	return t, nil
}

// onPeerSignal fires when the write-only fd becomes readable, which on a
// pipe only happens when the peer has closed its end.
func (t *WritePipeTransport) onPeerSignal() {
	t.mu.Lock()
	hasBuffered := t.writeBufSize > 0
	t.mu.Unlock()
	if hasBuffered {
		t.finalize(newConnectionError("write pipe: peer closed with data queued", errBrokenPipe))
		return
	}
	t.finalize(nil)
}

var errBrokenPipe = errors.New("ioruntime: broken pipe")

// Write queues data for the pipe and tries to send it at once, like
// StreamTransport.Write but without water-mark flow control: the protocol's
// PauseWriting/ResumeWriting are never called, however large the buffer grows.
func (t *WritePipeTransport) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.connectionLost {
		return 0, ErrTransportClosing
	}
	if len(data) == 0 {
		return 0, nil
	}
	t.writeQueue = append(t.writeQueue, &writeChunk{data: data})
	t.writeBufSize += len(data)
	t.tryFlushLocked()
	return len(data), nil
}

func (t *WritePipeTransport) tryFlushLocked() {
	for len(t.writeQueue) > 0 {
		head := t.writeQueue[0]
		n, err := t.conn.Write(head.remaining())
		if n > 0 {
			head.off += n
			t.writeBufSize -= n
		}
		if head.done() {
			t.writeQueue = t.writeQueue[1:]
			continue
		}
		if err != nil && !errors.Is(err, iox.ErrWouldBlock) && !errors.Is(err, iox.ErrMore) {
			t.loop.CallSoon(func() { t.finalize(err) })
			return
		}
		break
	}
	if len(t.writeQueue) == 0 {
		if t.writerArmed {
			t.writerArmed = false
			_ = t.loop.RemoveWriter(t.conn.Fd())
		}
		if t.closing {
			t.loop.CallSoon(func() { t.finalize(nil) })
		}
		return
	}
	if !t.writerArmed {
		t.writerArmed = true
		_ = t.loop.AddWriter(t.conn.Fd(), t.onWritable)
	}
}

func (t *WritePipeTransport) onWritable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tryFlushLocked()
}

// Close drains any queued bytes before finalizing.
func (t *WritePipeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return
	}
	t.closing = true
	if len(t.writeQueue) == 0 {
		t.loop.CallSoon(func() { t.finalize(nil) })
	}
}

func (t *WritePipeTransport) finalize(err error) {
	t.mu.Lock()
	if t.connectionLost {
		t.mu.Unlock()
		return
	}
	t.connectionLost = true
	fd := t.conn.Fd()
	t.mu.Unlock()
	_ = t.loop.RemoveReader(fd)
	_ = t.loop.RemoveWriter(fd)
	_ = t.conn.Close()
	t.proto.ConnectionLost(err)
}

// GetExtraInfo satisfies Transport.
func (t *WritePipeTransport) GetExtraInfo(name string, def any) any { return t.extra.Get(name, def) }

// IsClosing reports whether Close has been called.
func (t *WritePipeTransport) IsClosing() bool { return t.closing || t.connectionLost }
