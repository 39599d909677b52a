// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import "net"

// Protocol is the callback contract a transport invokes. Exactly one
// ConnectionMade precedes any other callback; ConnectionLost is always last
// and fires at most once; DataReceived never delivers an empty slice.
type Protocol interface {
	ConnectionMade(t Transport)
	DataReceived(data []byte)
	// EOFReceived reports whether the transport should keep its write side
	// open (true) or close outright (false).
	EOFReceived() bool
	ConnectionLost(err error)
}

// WritingProtocol is implemented by protocols that also want pause/resume
// writing notifications, balanced around at most one outstanding pause.
type WritingProtocol interface {
	Protocol
	PauseWriting()
	ResumeWriting()
}

// DatagramProtocol is the callback contract for datagram transports.
type DatagramProtocol interface {
	DatagramReceived(data []byte, addr net.Addr)
	ErrorReceived(err error)
}

// Transport is the method contract protocols invoke on the object passed to
// ConnectionMade.
type Transport interface {
	GetExtraInfo(name string, def any) any
	IsClosing() bool
	Close()
	Abort(err error)
	Write(data []byte) (int, error)
	WriteLines(lines [][]byte) (int, error)
	WriteEOF() error
	CanWriteEOF() bool
	GetWriteBufferSize() int
	GetWriteBufferLimits() (low, high int)
	SetWriteBufferLimits(high, low int)
	PauseReading() bool
	ResumeReading() bool
	GetProtocol() Protocol
	SetProtocol(p Protocol)
}

// FlowControl is the seam the design notes call for: production transports
// pause/resume the real fd reader; tests substitute a no-op implementation
// instead of monkey-patching _pause_reading/_resume_reading on the protocol
// itself.
type FlowControl interface {
	PauseReading()
	ResumeReading()
}

// transportFlowControl is the production FlowControl: it forwards straight
// to the owning transport.
type transportFlowControl struct{ t Transport }

func (f transportFlowControl) PauseReading() {
	if f.t != nil {
		f.t.PauseReading()
	}
}

func (f transportFlowControl) ResumeReading() {
	if f.t != nil {
		f.t.ResumeReading()
	}
}

// noopFlowControl is the test substitute: reading is never actually paused.
type noopFlowControl struct{}

func (noopFlowControl) PauseReading()  {}
func (noopFlowControl) ResumeReading() {}
