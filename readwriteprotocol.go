// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"context"
	"runtime"
)

// yieldOnce returns a channel that is already closed after giving other
// runnable goroutines (in particular the Loop goroutine driving
// ConnectionLost) a chance to run first, mirroring the source's "yield once"
// drain behavior on an already-closing transport.
func yieldOnce() <-chan struct{} {
	runtime.Gosched()
	ch := make(chan struct{})
	close(ch)
	return ch
}

// ReadWriteProtocolBase adds the write half to ReadProtocolBase: a
// paused-writing flag, a single drain-waiter slot (at most one outstanding,
// same rationale as PayloadStream's single waiter), and Write/WriteLines/
// WriteEOF/Drain that forward to the bound transport.
type ReadWriteProtocolBase struct {
	ReadProtocolBase

	pausedWriting bool
	drainWaiter   *psWaiter
}

// PauseWriting is called by the transport when its write buffer crosses the
// high-water mark.
func (p *ReadWriteProtocolBase) PauseWriting() { p.pausedWriting = true }

// ResumeWriting is called by the transport when its write buffer drops to
// or below the low-water mark; it wakes a pending Drain.
func (p *ReadWriteProtocolBase) ResumeWriting() {
	p.pausedWriting = false
	if p.drainWaiter != nil {
		w := p.drainWaiter
		p.drainWaiter = nil
		w.wake()
	}
}

// Write forwards to the transport.
func (p *ReadWriteProtocolBase) Write(data []byte) (int, error) {
	return p.transport.Write(data)
}

// WriteLines forwards to the transport.
func (p *ReadWriteProtocolBase) WriteLines(lines [][]byte) (int, error) {
	return p.transport.WriteLines(lines)
}

// WriteEOF forwards to the transport.
func (p *ReadWriteProtocolBase) WriteEOF() error {
	return p.transport.WriteEOF()
}

// Drain blocks until the write buffer has drained below the low-water mark.
// If the transport is already closing, it first yields control once so that
// ConnectionLost has a chance to fire and either succeed cleanly or
// propagate the exception that caused the close.
func (p *ReadWriteProtocolBase) Drain(ctx context.Context) error {
	if p.transport != nil && p.transport.IsClosing() {
		select {
		case <-yieldOnce():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !p.pausedWriting {
		return nil
	}
	for p.pausedWriting {
		w := &psWaiter{ready: make(chan struct{})}
		p.drainWaiter = w
		select {
		case <-w.ready:
		case <-ctx.Done():
			p.drainWaiter = nil
			return ctx.Err()
		}
	}
	return nil
}
