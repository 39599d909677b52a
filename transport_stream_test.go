// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

// fakeLoop runs AddReader/AddWriter callbacks synchronously when poke* is
// called, and queues CallSoon callbacks until runSoon (or the end of a
// poke*) runs them, like a real loop's next turn -- enough to drive
// StreamTransport deterministically in a test without a real reactor,
// matching the teacher's own scripted-fake style (see transport_modes_test.go).
type fakeLoop struct {
	readers map[int]func()
	writers map[int]func()
	soon    []func()
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{readers: map[int]func(){}, writers: map[int]func(){}}
}

func (l *fakeLoop) AddReader(fd int, cb func()) error { l.readers[fd] = cb; return nil }
func (l *fakeLoop) RemoveReader(fd int) error         { delete(l.readers, fd); return nil }
func (l *fakeLoop) AddWriter(fd int, cb func()) error { l.writers[fd] = cb; return nil }
func (l *fakeLoop) RemoveWriter(fd int) error         { delete(l.writers, fd); return nil }
func (l *fakeLoop) CallSoon(cb func())                { l.soon = append(l.soon, cb) }
func (l *fakeLoop) NewFuture() *Future                { return NewFuture() }
func (l *fakeLoop) CreateTask(fn func(context.Context) error) *Task {
	return CreateTask(context.Background(), fn)
}
func (l *fakeLoop) RunInExecutor(fn func() (any, error)) *Future {
	f := NewFuture()
	go func() {
		v, err := fn()
		if err != nil {
			f.SetException(err)
			return
		}
		f.SetResult(v)
	}()
	return f
}
func (l *fakeLoop) Now() time.Time { return time.Unix(0, 0) }

// runSoon runs queued CallSoon callbacks, including any they queue in turn.
func (l *fakeLoop) runSoon() {
	for len(l.soon) > 0 {
		cb := l.soon[0]
		l.soon = l.soon[1:]
		cb()
	}
}

func (l *fakeLoop) pokeReadable(fd int) {
	if cb, ok := l.readers[fd]; ok {
		cb()
	}
	l.runSoon()
}
func (l *fakeLoop) pokeWritable(fd int) {
	if cb, ok := l.writers[fd]; ok {
		cb()
	}
	l.runSoon()
}

// scriptedConn is a rawConn backed by a fixed Read script and a buffer
// capturing writes, with an optional per-call write cap to force partial
// sends the way a real non-blocking socket would.
type scriptedConn struct {
	reads    []struct {
		data []byte
		err  error
	}
	readIdx  int
	writeCap int
	written  bytes.Buffer
	closed   bool
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	if c.readIdx >= len(c.reads) {
		return 0, io.EOF
	}
	r := c.reads[c.readIdx]
	c.readIdx++
	n := copy(p, r.data)
	return n, r.err
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	n := len(p)
	if c.writeCap > 0 && n > c.writeCap {
		n = c.writeCap
	}
	c.written.Write(p[:n])
	return n, nil
}

func (c *scriptedConn) Close() error { c.closed = true; return nil }
func (c *scriptedConn) Fd() int      { return 7 }

type recordingProtocol struct {
	transport  Transport
	received   [][]byte
	eofResult  bool
	lostErr    error
	lostCalled bool
}

func (p *recordingProtocol) ConnectionMade(t Transport) { p.transport = t }
func (p *recordingProtocol) DataReceived(data []byte) {
	p.received = append(p.received, append([]byte(nil), data...))
}
func (p *recordingProtocol) EOFReceived() bool { return p.eofResult }
func (p *recordingProtocol) ConnectionLost(err error) {
	p.lostCalled = true
	p.lostErr = err
}

func TestStreamTransport_DataReceivedAndCleanEOF(t *testing.T) {
	loop := newFakeLoop()
	conn := &scriptedConn{reads: []struct {
		data []byte
		err  error
	}{
		{data: []byte("hello")},
	}}
	proto := &recordingProtocol{}
	NewStreamTransport(loop, conn, proto, nil)
	loop.runSoon()

	if proto.transport == nil {
		t.Fatal("ConnectionMade was not called")
	}

	loop.pokeReadable(conn.Fd())
	if len(proto.received) != 1 || !bytes.Equal(proto.received[0], []byte("hello")) {
		t.Fatalf("received = %v", proto.received)
	}

	loop.pokeReadable(conn.Fd()) // readIdx now past script -> io.EOF
	if !proto.lostCalled {
		t.Fatal("ConnectionLost was not called after clean EOF with EOFReceived()==false")
	}
	if proto.lostErr != nil {
		t.Fatalf("ConnectionLost err = %v, want nil", proto.lostErr)
	}
	if !conn.closed {
		t.Fatal("conn was not closed")
	}
}

func TestStreamTransport_WriteBuffersOnPartialSend(t *testing.T) {
	loop := newFakeLoop()
	conn := &scriptedConn{writeCap: 3}
	proto := &recordingProtocol{}
	tr := NewStreamTransport(loop, conn, proto, nil)

	n, err := tr.Write([]byte("hello world"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("hello world") {
		t.Fatalf("Write accepted %d, want all of it queued", n)
	}
	if tr.GetWriteBufferSize() == 0 {
		t.Fatal("expected a nonzero outstanding write buffer after a capped write")
	}

	// Drain by repeatedly poking the writer callback, as the reactor would
	// on successive writability notifications.
	for i := 0; i < 10 && tr.GetWriteBufferSize() > 0; i++ {
		loop.pokeWritable(conn.Fd())
	}
	if tr.GetWriteBufferSize() != 0 {
		t.Fatalf("write buffer did not drain: %d bytes left", tr.GetWriteBufferSize())
	}
	if conn.written.String() != "hello world" {
		t.Fatalf("written = %q", conn.written.String())
	}
}

func TestStreamTransport_CloseDrainsThenFinalizes(t *testing.T) {
	loop := newFakeLoop()
	conn := &scriptedConn{writeCap: 4}
	proto := &recordingProtocol{}
	tr := NewStreamTransport(loop, conn, proto, nil)

	tr.Write([]byte("goodbye"))
	tr.Close()
	if proto.lostCalled {
		t.Fatal("ConnectionLost fired before the write queue drained")
	}

	for i := 0; i < 10 && !proto.lostCalled; i++ {
		loop.pokeWritable(conn.Fd())
	}
	if !proto.lostCalled {
		t.Fatal("ConnectionLost never fired after the queue drained")
	}
	if conn.written.String() != "goodbye" {
		t.Fatalf("written = %q", conn.written.String())
	}
}
