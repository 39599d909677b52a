// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
)

// sslBacklogKind replaces the source's (bytes, offset) sentinel trick --
// (b"", 1) for "do a handshake step", (b"", 0) for "do a shutdown step" --
// with an explicit enum, per the design note calling for that substitution.
type sslBacklogKind uint8

const (
	sslBacklogData sslBacklogKind = iota
	sslBacklogHandshake
	sslBacklogShutdown
)

type sslBacklogItem struct {
	kind   sslBacklogKind
	data   []byte
	offset int
}

// ErrWriteEOFUnsupported is returned by WriteEOF on transports that cannot
// half-close, such as SSLBidirectionalTransport.
var ErrWriteEOFUnsupported = errors.New("ioruntime: transport does not support write-side half-close")

// SSLBidirectionalTransport interposes between an underlying transport U
// and an application protocol P: it presents itself as P's Transport and as
// U's Protocol, running a SSLPipe in between. The write backlog is an
// explicit queue of sslBacklogItem values rather than the source's
// sentinel-offset encoding.
type SSLBidirectionalTransport struct {
	mu sync.Mutex

	under Transport
	app   Protocol
	pipe  *SSLPipe
	extra *ExtraInfo

	backlog         []sslBacklogItem
	backlogFlushing bool

	constructionWaiter *Future
	handshakeDone      bool
	closing            bool
	finalized          bool
}

// NewSSLBidirectionalTransport installs t as under's protocol, starts the
// TLS handshake, and returns the transport; app's ConnectionMade fires once
// the handshake completes successfully.
func NewSSLBidirectionalTransport(under Transport, app Protocol, cfg *tls.Config, isServer bool) *SSLBidirectionalTransport {
	t := &SSLBidirectionalTransport{
		under:              under,
		app:                app,
		extra:              newExtraInfo(),
		constructionWaiter: NewFuture(),
	}
	t.pipe = NewSSLPipe(cfg, isServer, t.flushOutbound)
	under.SetProtocol(t)

	t.mu.Lock()
	t.backlog = append(t.backlog, sslBacklogItem{kind: sslBacklogHandshake})
	t.mu.Unlock()

	_ = t.pipe.DoHandshake(t.onHandshakeDone)
	return t
}

// AwaitConstruction blocks until the handshake completes (successfully or
// not); a failed handshake resolves with an error instead of nil.
func (t *SSLBidirectionalTransport) AwaitConstruction(ctx context.Context) error {
	_, err := t.constructionWaiter.Await(ctx)
	return err
}

func (t *SSLBidirectionalTransport) onHandshakeDone(err error) {
	t.mu.Lock()
	t.handshakeDone = err == nil
	t.mu.Unlock()

	if err != nil {
		t.constructionWaiter.SetException(err)
		t.under.Abort(err)
		return
	}

	t.extra.Set("cipher", t.pipe.ConnectionState().CipherSuite)
	t.extra.Set("ssl_object", t.pipe)
	if len(t.pipe.ConnectionState().PeerCertificates) > 0 {
		t.extra.Set("peer_certification", t.pipe.ConnectionState().PeerCertificates[0])
	}

	t.app.ConnectionMade(t)
	t.constructionWaiter.SetResult(nil)
	t.flushOutbound()
}

// ConnectionMade satisfies Protocol (as U's protocol); U is already
// connected by the time it is handed to NewSSLBidirectionalTransport, so
// this is a no-op retained only to satisfy the interface.
func (t *SSLBidirectionalTransport) ConnectionMade(Transport) {}

// DataReceived satisfies Protocol: inbound ciphertext from U is fed to the
// pipe, whose outbound ciphertext and decrypted application bytes are then
// forwarded to U and P respectively.
func (t *SSLBidirectionalTransport) DataReceived(data []byte) {
	sslOut, appOut, err := t.pipe.FeedSSLData(data)
	if err != nil {
		t.under.Abort(err)
		return
	}
	if len(sslOut) > 0 {
		_, _ = t.under.Write(sslOut)
	}
	for _, chunk := range appOut {
		if len(chunk) == 0 {
			t.app.EOFReceived()
			continue
		}
		t.app.DataReceived(chunk)
	}
}

// EOFReceived satisfies Protocol. An ambient EOF from U while still
// handshaking wakes the construction waiter with a ConnectionError, per
// spec §4.8; TLS has no half-close so the underlying transport is always
// told to close outright.
func (t *SSLBidirectionalTransport) EOFReceived() bool {
	t.mu.Lock()
	handshakeDone := t.handshakeDone
	t.mu.Unlock()
	if !handshakeDone {
		t.constructionWaiter.SetException(newConnectionError("ssl handshake: peer closed connection", ErrEOF))
	}
	return false
}

// ConnectionLost satisfies Protocol: forwards to the application protocol.
func (t *SSLBidirectionalTransport) ConnectionLost(err error) {
	t.mu.Lock()
	t.finalized = true
	t.mu.Unlock()
	t.app.ConnectionLost(err)
}

// flushOutbound drains whatever ciphertext the pipe has produced
// unprompted (handshake bytes, queued application writes) through U. Safe
// to call concurrently; only one flush runs at a time.
func (t *SSLBidirectionalTransport) flushOutbound() {
	t.mu.Lock()
	if t.backlogFlushing {
		t.mu.Unlock()
		return
	}
	t.backlogFlushing = true
	t.mu.Unlock()

	sslOut, appOut, _ := t.pipe.FeedSSLData(nil)
	if len(sslOut) > 0 {
		_, _ = t.under.Write(sslOut)
	}
	for _, chunk := range appOut {
		if len(chunk) == 0 {
			t.app.EOFReceived()
			continue
		}
		t.app.DataReceived(chunk)
	}

	t.mu.Lock()
	t.backlogFlushing = false
	t.mu.Unlock()
}

// Write queues application bytes for TLS encryption and delivery through U.
func (t *SSLBidirectionalTransport) Write(data []byte) (int, error) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return 0, ErrTransportClosing
	}
	t.backlog = append(t.backlog, sslBacklogItem{kind: sslBacklogData, data: data})
	t.mu.Unlock()
	go t.processBacklog()
	return len(data), nil
}

// WriteLines queues each line through Write in order.
func (t *SSLBidirectionalTransport) WriteLines(lines [][]byte) (int, error) {
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

// processBacklog pops one data item and feeds it through FeedApplicationData,
// re-kicking itself via onDone until the item is fully sent.
func (t *SSLBidirectionalTransport) processBacklog() {
	t.mu.Lock()
	if len(t.backlog) == 0 {
		t.mu.Unlock()
		return
	}
	item := t.backlog[0]
	t.mu.Unlock()

	switch item.kind {
	case sslBacklogHandshake:
		t.mu.Lock()
		t.backlog = t.backlog[1:]
		t.mu.Unlock()
	case sslBacklogShutdown:
		t.mu.Lock()
		t.backlog = t.backlog[1:]
		t.mu.Unlock()
		_ = t.pipe.Shutdown(func(err error) {
			t.under.Close()
		})
	case sslBacklogData:
		err := t.pipe.FeedApplicationData(item.data, item.offset, func(newOffset int, sslOut []byte, err error) {
			if len(sslOut) > 0 {
				_, _ = t.under.Write(sslOut)
			}
			t.mu.Lock()
			if err != nil || newOffset >= len(item.data) {
				if len(t.backlog) > 0 {
					t.backlog = t.backlog[1:]
				}
			} else {
				t.backlog[0] = sslBacklogItem{kind: sslBacklogData, data: item.data, offset: newOffset}
			}
			t.mu.Unlock()
			if err != nil {
				t.under.Abort(err)
				return
			}
			go t.processBacklog()
		})
		if err != nil {
			// A write is already in flight; the in-flight write's onDone
			// will re-kick processBacklog once it finishes.
			return
		}
	}
}

// WriteEOF is unsupported: TLS has no plaintext half-close concept here.
func (t *SSLBidirectionalTransport) WriteEOF() error { return ErrWriteEOFUnsupported }

// CanWriteEOF always reports false for TLS transports.
func (t *SSLBidirectionalTransport) CanWriteEOF() bool { return false }

// GetWriteBufferSize forwards to the underlying transport's own buffer,
// since that is where backpressure ultimately applies.
func (t *SSLBidirectionalTransport) GetWriteBufferSize() int { return t.under.GetWriteBufferSize() }

// GetWriteBufferLimits forwards to the underlying transport.
func (t *SSLBidirectionalTransport) GetWriteBufferLimits() (low, high int) {
	return t.under.GetWriteBufferLimits()
}

// SetWriteBufferLimits forwards to the underlying transport.
func (t *SSLBidirectionalTransport) SetWriteBufferLimits(high, low int) {
	t.under.SetWriteBufferLimits(high, low)
}

// PauseReading forwards to the underlying transport.
func (t *SSLBidirectionalTransport) PauseReading() bool { return t.under.PauseReading() }

// ResumeReading forwards to the underlying transport.
func (t *SSLBidirectionalTransport) ResumeReading() bool { return t.under.ResumeReading() }

// GetProtocol returns the application protocol installed on top of TLS.
func (t *SSLBidirectionalTransport) GetProtocol() Protocol { return t.app }

// SetProtocol swaps the application protocol.
func (t *SSLBidirectionalTransport) SetProtocol(p Protocol) { t.app = p }

// GetExtraInfo exposes TLS-specific keys (cipher, peer_certification,
// ssl_object) in addition to whatever U itself publishes.
func (t *SSLBidirectionalTransport) GetExtraInfo(name string, def any) any {
	if v := t.extra.Get(name, nil); v != nil {
		return v
	}
	return t.under.GetExtraInfo(name, def)
}

// IsClosing reports whether Close/Abort has been requested.
func (t *SSLBidirectionalTransport) IsClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// Close triggers a TLS shutdown (close_notify) before tearing down U.
func (t *SSLBidirectionalTransport) Close() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.backlog = append(t.backlog, sslBacklogItem{kind: sslBacklogShutdown})
	t.mu.Unlock()
	go t.processBacklog()
}

// Abort tears U down immediately and finalizes without attempting a TLS
// shutdown handshake.
func (t *SSLBidirectionalTransport) Abort(err error) {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.pipe.Close()
	t.under.Abort(err)
}
