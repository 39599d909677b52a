// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

// TransportOptions configures a stream/datagram/pipe transport's buffering
// and flow-control behavior.
type TransportOptions struct {
	// WriteBufferHighWaterMark pauses writing (PauseWriting) once the
	// outstanding write buffer exceeds this many bytes.
	WriteBufferHighWaterMark int

	// WriteBufferLowWaterMark resumes writing (ResumeWriting) once the
	// outstanding write buffer drops to or below this many bytes, after
	// having been paused. Must be <= WriteBufferHighWaterMark.
	WriteBufferLowWaterMark int

	// RecvBufferSize is the byte count requested per recv(2) call.
	RecvBufferSize int

	// MaxRecvBufferSize is stored but not read by any transport: every
	// transport reads RecvBufferSize bytes per call and never grows it.
	MaxRecvBufferSize int

	// ReadBufferPauseThreshold is stored but not read:
	// ReadProtocolBase.maybePause compares against the package constant
	// readBufferPauseThreshold (its default) instead.
	ReadBufferPauseThreshold int

	// SendmsgIOVMax is stored but not read: transports send one buffered
	// write chunk per write call and do not batch chunks with sendmsg(2).
	SendmsgIOVMax int
}

var defaultTransportOptions = TransportOptions{
	WriteBufferHighWaterMark: 65536,
	WriteBufferLowWaterMark:  16384,
	RecvBufferSize:           65536,
	MaxRecvBufferSize:        262144,
	ReadBufferPauseThreshold: readBufferPauseThreshold,
	SendmsgIOVMax:            1024,
}

// TransportOption mutates a TransportOptions starting from defaultTransportOptions.
type TransportOption func(*TransportOptions)

// WithWriteBufferLimits sets both water marks together. high must be >= low.
func WithWriteBufferLimits(low, high int) TransportOption {
	return func(o *TransportOptions) {
		o.WriteBufferLowWaterMark = low
		o.WriteBufferHighWaterMark = high
	}
}

// WithRecvBufferSize sets the initial per-call recv size.
func WithRecvBufferSize(n int) TransportOption {
	return func(o *TransportOptions) { o.RecvBufferSize = n }
}

// WithMaxRecvBufferSize sets MaxRecvBufferSize (not read by any transport).
func WithMaxRecvBufferSize(n int) TransportOption {
	return func(o *TransportOptions) { o.MaxRecvBufferSize = n }
}

// WithReadBufferPauseThreshold sets ReadBufferPauseThreshold; the 131072-byte
// threshold ReadProtocolBase applies is not changed by it.
func WithReadBufferPauseThreshold(n int) TransportOption {
	return func(o *TransportOptions) { o.ReadBufferPauseThreshold = n }
}

// WithSendmsgIOVMax sets SendmsgIOVMax (not read by any transport).
func WithSendmsgIOVMax(n int) TransportOption {
	return func(o *TransportOptions) { o.SendmsgIOVMax = n }
}

func resolveTransportOptions(opts ...TransportOption) TransportOptions {
	o := defaultTransportOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
