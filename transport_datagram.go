// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"errors"
	"net"
	"sync"

	"code.hybscloud.com/iox"
)

// datagramConn is the non-blocking packet-socket handle a DatagramTransport
// drives; ReadFrom/WriteTo mirror net.PacketConn but are expected to return
// iox.ErrWouldBlock rather than block.
type datagramConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	Close() error
	Fd() int
}

type datagramWrite struct {
	data []byte
	addr net.Addr
}

// DatagramTransport is the datagram variant of TransportLayer: a write
// deque of (bytes, address) pairs rather than a single byte stream, and an
// optional bound peer address that SendTo validates against.
type DatagramTransport struct {
	loop Loop
	conn datagramConn
	opts TransportOptions

	mu sync.Mutex

	protocol DatagramProtocol
	extra    *ExtraInfo
	peer     net.Addr

	writeQueue     []datagramWrite
	writeBufSize   int
	writerArmed    bool
	closing        bool
	connectionLost bool
}

// NewDatagramTransport constructs a datagram transport; peer, if non-nil,
// is the only address SendTo will accept (a "connected" UDP socket).
func NewDatagramTransport(loop Loop, conn datagramConn, protocol DatagramProtocol, peer net.Addr, opts ...TransportOption) *DatagramTransport {
	t := &DatagramTransport{
		loop:     loop,
		conn:     conn,
		opts:     resolveTransportOptions(opts...),
		protocol: protocol,
		extra:    newExtraInfo(),
		peer:     peer,
	}
	loop.CallSoon(func() {
		_ = loop.AddReader(conn.Fd(), t.onReadable)
	})
	return t
}

func (t *DatagramTransport) onReadable() {
	if t.connectionLost {
		return
	}
	buf := make([]byte, t.opts.RecvBufferSize)
	n, addr, err := t.conn.ReadFrom(buf)
	if n > 0 {
		t.protocol.DatagramReceived(buf[:n], addr)
	}
	if err == nil {
		return
	}
	if errors.Is(err, iox.ErrWouldBlock) || errors.Is(err, iox.ErrMore) {
		return
	}
	t.protocol.ErrorReceived(err)
}

// SendTo queues a datagram. If the transport has a bound peer, addr must
// match it exactly or ErrNotDatagramPeer is returned.
func (t *DatagramTransport) SendTo(data []byte, addr net.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.connectionLost {
		return ErrTransportClosing
	}
	if t.peer != nil && (addr == nil || addr.String() != t.peer.String()) {
		return ErrNotDatagramPeer
	}
	if addr == nil {
		addr = t.peer
	}
	t.writeQueue = append(t.writeQueue, datagramWrite{data: data, addr: addr})
	t.writeBufSize += len(data)
	t.tryFlushLocked()
	return nil
}

func (t *DatagramTransport) tryFlushLocked() {
	for len(t.writeQueue) > 0 {
		head := t.writeQueue[0]
		n, err := t.conn.WriteTo(head.data, head.addr)
		if err != nil {
			if errors.Is(err, iox.ErrWouldBlock) || errors.Is(err, iox.ErrMore) {
				break
			}
			t.protocol.ErrorReceived(err)
			t.writeQueue = t.writeQueue[1:]
			t.writeBufSize -= len(head.data)
			continue
		}
		_ = n
		t.writeQueue = t.writeQueue[1:]
		t.writeBufSize -= len(head.data)
	}

	if len(t.writeQueue) == 0 {
		if t.writerArmed {
			t.writerArmed = false
			_ = t.loop.RemoveWriter(t.conn.Fd())
		}
		return
	}
	if !t.writerArmed {
		t.writerArmed = true
		_ = t.loop.AddWriter(t.conn.Fd(), t.onWritable)
	}
}

func (t *DatagramTransport) onWritable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tryFlushLocked()
}

// Close tears the socket down; datagram transports have no drain phase
// since UDP delivery is already best-effort.
func (t *DatagramTransport) Close() {
	t.mu.Lock()
	if t.connectionLost {
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.connectionLost = true
	fd := t.conn.Fd()
	t.mu.Unlock()

	_ = t.loop.RemoveReader(fd)
	_ = t.loop.RemoveWriter(fd)
	_ = t.conn.Close()
}

// GetExtraInfo satisfies Transport-shaped access for datagram sockets.
func (t *DatagramTransport) GetExtraInfo(name string, def any) any { return t.extra.Get(name, def) }

// IsClosing reports whether Close has been called.
func (t *DatagramTransport) IsClosing() bool { return t.closing }
