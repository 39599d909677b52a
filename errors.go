// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock and ErrMore are re-exported from iox so that the whole
// stack shares one non-blocking control-flow vocabulary: a recv/send that
// cannot make progress right now returns ErrWouldBlock, and a reader that
// needs more bytes before it can decide anything returns ErrMore.
var (
	ErrWouldBlock = iox.ErrWouldBlock
	ErrMore       = iox.ErrMore
)

var (
	// ErrStreamModeMismatch is returned when a PayloadStream already
	// committed to await-whole or iterate-chunk mode is used the other way.
	ErrStreamModeMismatch = errors.New("ioruntime: payload stream wait mode mismatch")

	// ErrReaderAlreadyActive is returned when a second reader is attached
	// to a Protocol that already has one in flight.
	ErrReaderAlreadyActive = errors.New("ioruntime: a reader is already active on this protocol")

	// ErrTransportClosing is returned by Write-family calls once Close has
	// been requested.
	ErrTransportClosing = errors.New("ioruntime: transport is closing")

	// ErrNotDatagramPeer is returned by SendTo when the transport is bound
	// to a peer address and the destination does not match it.
	ErrNotDatagramPeer = errors.New("ioruntime: address does not match bound peer")

	// ErrNotFIFOSocketOrChar is returned when a Unix pipe transport is
	// constructed over an fd that is not a FIFO, socket, or char device.
	ErrNotFIFOSocketOrChar = errors.New("ioruntime: fd is not a pipe, socket, or char device")
)

// ConnectionError wraps the cause of a connection failure observed by a
// consumer: a cancelled or aborted payload stream, a required read that hit
// EOF early, or a peer reset surfacing through drain/write.
type ConnectionError struct {
	// Msg is a short human description ("cancelled", "aborted", "read_exactly: short read").
	Msg string
	// Cause is the underlying error, if any (an EOFError-equivalent, an OS
	// error, or nil for a bare cancellation/abort).
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return "ioruntime: connection error: " + e.Msg
	}
	return fmt.Sprintf("ioruntime: connection error: %s: %v", e.Msg, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func newConnectionError(msg string, cause error) *ConnectionError {
	return &ConnectionError{Msg: msg, Cause: cause}
}

// ErrEOF is the synthetic "EOFError" the spec feeds into an active reader
// machine when eof_received fires. It is never returned to a caller
// directly; Read/ReadOnce translate it into a clean success, ReadExactly/
// ReadUntil translate it into a *ConnectionError with this as the cause.
var ErrEOF = errors.New("ioruntime: end of file while a reader was active")

// TimeoutError is returned by Subprocess.Communicate when the timeout
// elapses before the child exits; it carries the child's argv so the
// caller has something to log.
type TimeoutError struct {
	Argv []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ioruntime: communicate timed out (argv=%v)", e.Argv)
}
