// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"errors"
	"io"
	"sync"

	"code.hybscloud.com/iox"
)

// rawConn is the non-blocking fd handle a transport drives. Read/Write
// return iox.ErrWouldBlock exactly as the teacher's framer expects from the
// io.Reader/io.Writer it wraps; Fd is used to register with a Loop.
type rawConn interface {
	io.Reader
	io.Writer
	io.Closer
	Fd() int
}

// writeChunk is one queued write with a per-slice offset for partial sends,
// matching spec §4's "byte slices with per-slice offset for partial sends".
type writeChunk struct {
	data []byte
	off  int
}

func (c *writeChunk) remaining() []byte { return c.data[c.off:] }
func (c *writeChunk) done() bool        { return c.off >= len(c.data) }

// StreamTransport is the stream-socket variant of TransportLayer: an fd, a
// write deque with water-mark flow control, and EOF-write tracking. Its
// write-side state is guarded by mu; the read callback and the unlocked
// flag reads (IsClosing, onReadable) assume the single-Loop-goroutine model.
type StreamTransport struct {
	loop Loop
	conn rawConn
	opts TransportOptions

	mu sync.Mutex

	protocol Protocol
	extra    *ExtraInfo

	writeQueue   []*writeChunk
	writeBufSize int
	writerArmed  bool

	closing            bool
	connectionLost     bool
	eofWritten         bool
	readerPaused       bool
	protocolPausedByUs bool

	server any
}

// NewStreamTransport constructs and schedules connection setup: protocol's
// ConnectionMade fires via loop.CallSoon, matching the teacher's own
// preference for explicit scheduling over synchronous callbacks from inside
// a constructor.
func NewStreamTransport(loop Loop, conn rawConn, protocol Protocol, server any, opts ...TransportOption) *StreamTransport {
	t := &StreamTransport{
		loop:     loop,
		conn:     conn,
		opts:     resolveTransportOptions(opts...),
		protocol: protocol,
		extra:    newExtraInfo(),
		server:   server,
	}
	t.extra.Set("socket", conn)
	if rwp, ok := protocol.(interface{ bindTransport(Transport, FlowControl) }); ok {
		rwp.bindTransport(t, transportFlowControl{t: t})
	}
	loop.CallSoon(func() {
		protocol.ConnectionMade(t)
		_ = loop.AddReader(conn.Fd(), t.onReadable)
	})
	return t
}

func (t *StreamTransport) onReadable() {
	if t.connectionLost {
		return
	}
	buf := make([]byte, t.opts.RecvBufferSize)
	n, err := t.conn.Read(buf)
	if n > 0 {
		t.protocol.DataReceived(buf[:n])
	}
	if err == nil {
		return
	}
	if errors.Is(err, iox.ErrWouldBlock) || errors.Is(err, iox.ErrMore) {
		return
	}
	if err == io.EOF {
		keepOpen := t.protocol.EOFReceived()
		if !keepOpen {
			t.finalize(nil)
		}
		return
	}
	t.finalize(err)
}

// Write queues data for non-blocking delivery, returning the number of
// bytes accepted (always len(data) unless the transport is closing).
func (t *StreamTransport) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.connectionLost {
		return 0, ErrTransportClosing
	}
	if len(data) == 0 {
		return 0, nil
	}
	t.enqueueLocked(data)
	t.tryFlushLocked()
	return len(data), nil
}

// WriteLines queues each line in order as if concatenated, without actually
// copying them into one buffer ahead of time.
func (t *StreamTransport) WriteLines(lines [][]byte) (int, error) {
	total := 0
	for _, l := range lines {
		n, err := t.Write(l)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *StreamTransport) enqueueLocked(data []byte) {
	t.writeQueue = append(t.writeQueue, &writeChunk{data: data})
	t.writeBufSize += len(data)
	if !t.protocolPausedByUs && t.writeBufSize > t.opts.WriteBufferHighWaterMark {
		t.protocolPausedByUs = true
		if wp, ok := t.protocol.(WritingProtocol); ok {
			wp.PauseWriting()
		}
	}
}

// tryFlushLocked attempts to drain the write queue without blocking,
// registering a writability callback if any bytes remain.
func (t *StreamTransport) tryFlushLocked() {
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
		if t.protocolPausedByUs && t.writeBufSize <= t.opts.WriteBufferLowWaterMark {
			t.protocolPausedByUs = false
			if wp, ok := t.protocol.(WritingProtocol); ok {
				wp.ResumeWriting()
			}
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

func (t *StreamTransport) onWritable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tryFlushLocked()
}

// WriteEOF half-closes the write side once the queue drains.
func (t *StreamTransport) WriteEOF() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eofWritten {
		return nil
	}
	t.eofWritten = true
	t.closing = true
	if len(t.writeQueue) == 0 {
		if closer, ok := t.conn.(interface{ CloseWrite() error }); ok {
			return closer.CloseWrite()
		}
	}
	return nil
}

// CanWriteEOF reports whether the underlying conn supports half-close.
func (t *StreamTransport) CanWriteEOF() bool {
	_, ok := t.conn.(interface{ CloseWrite() error })
	return ok
}

// GetWriteBufferSize returns the outstanding queued byte count.
func (t *StreamTransport) GetWriteBufferSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeBufSize
}

// GetWriteBufferLimits returns the configured water marks.
func (t *StreamTransport) GetWriteBufferLimits() (low, high int) {
	return t.opts.WriteBufferLowWaterMark, t.opts.WriteBufferHighWaterMark
}

// SetWriteBufferLimits overrides the configured water marks.
func (t *StreamTransport) SetWriteBufferLimits(high, low int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.WriteBufferHighWaterMark = high
	t.opts.WriteBufferLowWaterMark = low
}

// PauseReading deregisters the read callback.
func (t *StreamTransport) PauseReading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readerPaused {
		return false
	}
	t.readerPaused = true
	_ = t.loop.RemoveReader(t.conn.Fd())
	return true
}

// ResumeReading re-registers the read callback.
func (t *StreamTransport) ResumeReading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.readerPaused {
		return false
	}
	t.readerPaused = false
	_ = t.loop.AddReader(t.conn.Fd(), t.onReadable)
	return true
}

// IsClosing reports whether Close/Abort has been called, or the underlying
// conn has already signalled loss. Left unsynchronized past this one read,
// matching the documented closed/closing race (see DESIGN.md Open Question 2).
func (t *StreamTransport) IsClosing() bool { return t.closing || t.connectionLost }

// Close requests a graceful shutdown: the write queue is allowed to drain
// before ConnectionLost fires.
func (t *StreamTransport) Close() {
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

// Abort tears the connection down immediately, discarding any buffered writes.
func (t *StreamTransport) Abort(err error) {
	t.mu.Lock()
	t.closing = true
	t.writeQueue = nil
	t.writeBufSize = 0
	t.mu.Unlock()
	t.finalize(err)
}

func (t *StreamTransport) finalize(err error) {
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
	t.protocol.ConnectionLost(err)
}

// GetExtraInfo satisfies Transport.
func (t *StreamTransport) GetExtraInfo(name string, def any) any { return t.extra.Get(name, def) }

// GetProtocol satisfies Transport.
func (t *StreamTransport) GetProtocol() Protocol { return t.protocol }

// SetProtocol swaps the installed protocol, e.g. when SSLBidirectionalTransport
// interposes itself between this transport and the application protocol.
func (t *StreamTransport) SetProtocol(p Protocol) { t.protocol = p }
