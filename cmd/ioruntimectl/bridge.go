// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"

	"code.hybscloud.com/ioruntime"
)

// connProtocol is the shared ReadWriteProtocolBase-backed Protocol serve,
// dial and relay install on their StreamTransport: ConnectionMade signals
// a ready channel once bound, ConnectionLost records the final error.
type connProtocol struct {
	ioruntime.ReadWriteProtocolBase

	ready chan struct{}
	done  chan error
}

func newConnProtocol() *connProtocol {
	return &connProtocol{ready: make(chan struct{}), done: make(chan error, 1)}
}

func (p *connProtocol) ConnectionMade(t ioruntime.Transport) {
	close(p.ready)
}

func (p *connProtocol) ConnectionLost(err error) {
	p.done <- err
}

// writerFunc adapts a plain func([]byte) (int, error) to io.Writer so
// ReadWriteProtocolBase.Write (which already has that exact signature) can
// back a plain io.Copy without an intermediate type.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// streamRawTo pumps raw kernel chunks off proto, one ReadOnce PayloadStream
// at a time, into w until EOF (an empty chunk) or an error. It rides the
// transport's own byte-stream semantics rather than any record framing, the
// same ReadOnce loop a plain byte-forwarding proxy would use against
// ReadProtocolBase directly.
func streamRawTo(ctx context.Context, proto *ioruntime.ReadWriteProtocolBase, w io.Writer) error {
	for {
		stream, err := proto.ReadOnce()
		if err != nil {
			return err
		}
		chunk, err := stream.Await(ctx)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if _, werr := w.Write(chunk); werr != nil {
			return werr
		}
	}
}
