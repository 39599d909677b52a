// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
)

// sslPipeState is SSLPipe's state-machine flag (spec §4.7): unwrapped ->
// handshaking -> wrapped -> shutting-down -> unwrapped.
type sslPipeState uint8

const (
	sslUnwrapped sslPipeState = iota
	sslHandshaking
	sslWrapped
	sslShuttingDown
)

// SSLPipe stands in for the source design's memory-BIO TLS state machine.
// crypto/tls has no exposed BIO pair to feed by hand, so this type drives a
// real tls.Conn against one half of a net.Pipe() -- "a deterministic
// in-memory stream connection" as the teacher's own pipe_test.go puts it --
// and treats the other half as the wire: bytes written there by the TLS
// stack are the ciphertext to send out; bytes fed in via FeedSSLData are
// written to that half so the TLS stack reads them as inbound ciphertext.
// A background goroutine continuously drains the wire side into an
// outbound-ciphertext buffer so FeedSSLData/FeedApplicationData never block
// on it; handshake and application-data writes each run on their own
// goroutine and report completion asynchronously via callbacks, mirroring
// how the source's WANT_READ/WANT_WRITE control flow lets the caller keep
// pumping the event loop instead of blocking a thread.
type SSLPipe struct {
	mu    sync.Mutex
	state sslPipeState

	wire  net.Conn // given to tls.Server/tls.Client; ciphertext traffic
	local net.Conn // our end; drained continuously for outbound ciphertext

	tlsConn  *tls.Conn
	isServer bool

	outbound        []byte
	needMoreSSLData bool

	appData   [][]byte
	appClosed bool // peer sent close_notify / clean EOF

	handshakeCB func(err error)
	shutdownCB  func(err error)

	writeInFlight bool
	closed        bool

	// notify, if set, is called (off the pump goroutine, lock not held)
	// whenever new outbound ciphertext becomes available, so a caller that
	// only drives FeedSSLData/FeedApplicationData in response to inbound
	// network data still finds out about handshake bytes the TLS stack
	// produces unprompted (e.g. a client's initial ClientHello).
	notify func()
}

// NewSSLPipe constructs an unwrapped pipe for either server or client role.
// notify may be nil; otherwise it is invoked whenever new outbound
// ciphertext becomes available to drain via FeedSSLData/FeedApplicationData.
func NewSSLPipe(cfg *tls.Config, isServer bool, notify func()) *SSLPipe {
	wire, local := net.Pipe()
	p := &SSLPipe{wire: wire, local: local, isServer: isServer, notify: notify}
	if isServer {
		p.tlsConn = tls.Server(wire, cfg)
	} else {
		p.tlsConn = tls.Client(wire, cfg)
	}
	go p.pumpOutbound()
	return p
}

func (p *SSLPipe) pumpOutbound() {
	buf := make([]byte, 16384)
	for {
		n, err := p.local.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.outbound = append(p.outbound, buf[:n]...)
			p.mu.Unlock()
			if p.notify != nil {
				p.notify()
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *SSLPipe) drainOutboundLocked() []byte {
	if len(p.outbound) == 0 {
		return nil
	}
	out := p.outbound
	p.outbound = nil
	return out
}

// DoHandshake transitions unwrapped -> handshaking and runs the TLS
// handshake on its own goroutine; cb fires exactly once with the handshake
// result (nil on success).
func (p *SSLPipe) DoHandshake(cb func(err error)) error {
	p.mu.Lock()
	if p.state != sslUnwrapped {
		p.mu.Unlock()
		return ErrStreamModeMismatch
	}
	p.state = sslHandshaking
	p.handshakeCB = cb
	p.mu.Unlock()

	go func() {
		err := p.tlsConn.Handshake()
		p.mu.Lock()
		if err != nil {
			p.state = sslUnwrapped
		} else {
			p.state = sslWrapped
		}
		done := p.handshakeCB
		p.handshakeCB = nil
		p.mu.Unlock()
		if done != nil {
			done(err)
		}
		if err == nil {
			go p.pumpApplicationData()
		}
	}()
	return nil
}

// pumpApplicationData runs once the handshake completes, continuously
// decrypting inbound application bytes into the appData queue; an empty
// trailing entry signals the peer's close_notify, matching spec §4.7.
func (p *SSLPipe) pumpApplicationData() {
	buf := make([]byte, 16384)
	for {
		n, err := p.tlsConn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.mu.Lock()
			p.appData = append(p.appData, chunk)
			p.mu.Unlock()
			if p.notify != nil {
				p.notify()
			}
		}
		if err != nil {
			p.mu.Lock()
			p.appClosed = true
			p.appData = append(p.appData, nil)
			p.mu.Unlock()
			if p.notify != nil {
				p.notify()
			}
			return
		}
	}
}

// FeedSSLData writes inbound ciphertext bytes (received from the real
// network) into the TLS stack and returns whatever outbound ciphertext and
// decrypted application bytes have become available since the last call.
// A zero-length feed just polls for newly produced output.
func (p *SSLPipe) FeedSSLData(data []byte) (sslBytesToSend []byte, applicationBytes [][]byte, err error) {
	if len(data) > 0 {
		go func() {
			_, werr := p.local.Write(data)
			if werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
				p.mu.Lock()
				cb := p.handshakeCB
				p.handshakeCB = nil
				p.mu.Unlock()
				if cb != nil {
					cb(werr)
				}
			}
		}()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.drainOutboundLocked()
	var app [][]byte
	if len(p.appData) > 0 {
		app = p.appData
		p.appData = nil
	}
	return out, app, nil
}

// FeedApplicationData writes data[offset:] through the TLS stack in wrapped
// state. Since crypto/tls has no WANT_READ signal for partial writes, the
// write runs to completion on its own goroutine and onDone fires once with
// the resulting offset (len(data) on success); callers keep the
// write-in-flight semantics the source relies on by not issuing a second
// write before onDone fires.
func (p *SSLPipe) FeedApplicationData(data []byte, offset int, onDone func(newOffset int, sslBytesToSend []byte, err error)) error {
	p.mu.Lock()
	if p.state != sslWrapped {
		p.mu.Unlock()
		return ErrStreamModeMismatch
	}
	if p.writeInFlight {
		p.mu.Unlock()
		return ErrReaderAlreadyActive
	}
	p.writeInFlight = true
	p.mu.Unlock()

	go func() {
		_, err := p.tlsConn.Write(data[offset:])
		p.mu.Lock()
		p.writeInFlight = false
		out := p.drainOutboundLocked()
		p.mu.Unlock()
		newOffset := offset
		if err == nil {
			newOffset = len(data)
		}
		onDone(newOffset, out, err)
	}()
	return nil
}

// Shutdown transitions wrapped -> shutting-down and runs CloseWrite (TLS
// close_notify) on its own goroutine; cb fires once with the result.
func (p *SSLPipe) Shutdown(cb func(err error)) error {
	p.mu.Lock()
	if p.state != sslWrapped {
		p.mu.Unlock()
		return ErrStreamModeMismatch
	}
	p.state = sslShuttingDown
	p.shutdownCB = cb
	p.mu.Unlock()

	go func() {
		err := p.tlsConn.CloseWrite()
		p.mu.Lock()
		p.state = sslUnwrapped
		done := p.shutdownCB
		p.shutdownCB = nil
		p.mu.Unlock()
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// ConnectionState exposes the negotiated TLS parameters once wrapped, for
// extra-info population (peer cert, cipher, etc).
func (p *SSLPipe) ConnectionState() tls.ConnectionState {
	return p.tlsConn.ConnectionState()
}

// Close tears down both pipe halves; safe to call more than once.
func (p *SSLPipe) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	_ = p.wire.Close()
	_ = p.local.Close()
}
