// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"bytes"
	"context"
	"iter"
	"sync"
)

// waitMode is the PayloadStream's wait-mode flag group: {none, whole, chunk}.
// Once set to whole or chunk on first use, switching to the other is an error.
type waitMode uint8

const (
	waitModeNone waitMode = iota
	waitModeWhole
	waitModeChunk
)

// terminalState is the PayloadStream's terminal-state flag group. It is
// monotonic: once non-none, no further transition is accepted.
type terminalState uint8

const (
	terminalNone terminalState = iota
	terminalSuccess
	terminalException
	terminalCancelled
	terminalAborted
)

// PayloadStream is the bounded rendezvous between a protocol's active reader
// (the producer, driven by the Loop goroutine) and a single consumer
// goroutine (a "user task"). The original single-threaded-cooperative model
// assumes producer and consumer never truly run in parallel; a Go port that
// lets a consumer block on its own goroutine while the Loop goroutine keeps
// driving the producer does let them race on the shared buffer, so this
// type guards its state with a small mutex, kept as narrow as possible (see
// DESIGN.md). There is at most one outstanding waiter, so a single *psWaiter
// field suffices instead of a queue. The producer always appends a chunk to
// the buffer; in chunk mode it also wakes a waiting consumer, which pops the
// chunk from the buffer. No chunk is handed to the waiter past the buffer.
type PayloadStream struct {
	mu sync.Mutex

	chunks     [][]byte
	chunkBytes int

	exception error
	mode      waitMode
	terminal  terminalState

	waiter *psWaiter

	doneCallbacks []func()

	// onAbort is invoked when the consumer gives up (Abort); the protocol
	// wires this to detach the in-flight reader machine.
	onAbort func()

	// afterPop is invoked once per chunk handed to an Iterate consumer, after
	// it leaves the buffer, so the protocol can call resume_reading promptly.
	afterPop func()
}

type psWaiter struct {
	ready  chan struct{}
	closed bool
}

func (w *psWaiter) wake() {
	if !w.closed {
		w.closed = true
		close(w.ready)
	}
}

// newPayloadStream returns an empty stream. onAbort and afterPop may be nil.
func newPayloadStream(onAbort, afterPop func()) *PayloadStream {
	return &PayloadStream{onAbort: onAbort, afterPop: afterPop}
}

// AddReceivedChunk appends chunk to the buffer and, in chunk mode, wakes a
// waiting consumer so it pops the chunk on its next turn. The chunk always
// goes through the buffer, even when the buffer was empty. It returns false
// if the stream is already terminal.
func (s *PayloadStream) AddReceivedChunk(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal != terminalNone {
		return false
	}
	s.chunks = append(s.chunks, chunk)
	s.chunkBytes += len(chunk)
	if s.mode == waitModeChunk && s.waiter != nil {
		w := s.waiter
		s.waiter = nil
		w.wake()
	}
	return true
}

func (s *PayloadStream) setTerminal(state terminalState, err error) bool {
	s.mu.Lock()
	if s.terminal != terminalNone {
		s.mu.Unlock()
		return false
	}
	s.terminal = state
	if state == terminalException {
		s.exception = err
	}
	if state != terminalSuccess {
		s.chunks = nil
		s.chunkBytes = 0
	}
	var w *psWaiter
	if s.waiter != nil {
		w = s.waiter
		s.waiter = nil
	}
	cbs := s.doneCallbacks
	s.doneCallbacks = nil
	s.mu.Unlock()

	if w != nil {
		w.wake()
	}
	for i := len(cbs) - 1; i >= 0; i-- {
		cbs[i]()
	}
	return true
}

// SetDoneSuccess marks the stream complete successfully. Returns false if
// already terminal.
func (s *PayloadStream) SetDoneSuccess() bool { return s.setTerminal(terminalSuccess, nil) }

// SetDoneCancelled marks the stream cancelled. Returns false if already terminal.
func (s *PayloadStream) SetDoneCancelled() bool { return s.setTerminal(terminalCancelled, nil) }

// SetDoneException marks the stream failed with err. Returns false if already terminal.
func (s *PayloadStream) SetDoneException(err error) bool {
	return s.setTerminal(terminalException, err)
}

// Abort is the internal terminal transition used to tell the producer that
// the consumer gave up (e.g. its Await/Iterate context was cancelled).
func (s *PayloadStream) Abort() bool {
	ok := s.setTerminal(terminalAborted, nil)
	if ok && s.onAbort != nil {
		s.onAbort()
	}
	return ok
}

// AddDoneCallback runs cb once the stream becomes terminal, in reverse
// registration order relative to other callbacks, or immediately if the
// stream is already terminal.
func (s *PayloadStream) AddDoneCallback(cb func()) {
	s.mu.Lock()
	if s.terminal == terminalNone {
		s.doneCallbacks = append(s.doneCallbacks, cb)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	cb()
}

// BufferSize returns the live chunk-byte total in chunk mode, and zero in
// whole mode (the protocol is already buffering internally for concatenation).
func (s *PayloadStream) BufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == waitModeChunk {
		return s.chunkBytes
	}
	return 0
}

// terminalError must be called with s.mu held.
func (s *PayloadStream) terminalError() error {
	switch s.terminal {
	case terminalSuccess:
		return nil
	case terminalException:
		return s.exception
	case terminalCancelled:
		return newConnectionError("cancelled", nil)
	case terminalAborted:
		return newConnectionError("aborted", nil)
	default:
		return nil
	}
}

// Await blocks until the stream is terminal and returns the concatenation of
// all buffered chunks on success, or raises ConnectionError (cancelled /
// aborted) or the stored exception otherwise. Cancelling ctx aborts the
// stream.
func (s *PayloadStream) Await(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.mode == waitModeNone {
		s.mode = waitModeWhole
	} else if s.mode != waitModeWhole {
		s.mu.Unlock()
		return nil, ErrStreamModeMismatch
	}

	for s.terminal == terminalNone {
		w := &psWaiter{ready: make(chan struct{})}
		s.waiter = w
		s.mu.Unlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			s.Abort()
		}

		s.mu.Lock()
	}

	err := s.terminalError()
	chunks := s.chunks
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return bytes.Join(chunks, nil), nil
}

// Iterate returns a range-over-func iterator yielding each buffered chunk as
// it arrives. On clean end of stream the iterator simply stops (no final
// yield); on exception/cancelled/aborted it yields one (nil, error) pair.
// Cancelling ctx during a pending yield aborts the stream. Per spec, the
// iterator calls resume_reading on the protocol after each pop so
// back-pressure releases promptly.
func (s *PayloadStream) Iterate(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		s.mu.Lock()
		if s.mode == waitModeNone {
			s.mode = waitModeChunk
		} else if s.mode != waitModeChunk {
			s.mu.Unlock()
			yield(nil, ErrStreamModeMismatch)
			return
		}

		for {
			if len(s.chunks) > 0 {
				chunk := s.chunks[0]
				s.chunks = s.chunks[1:]
				s.chunkBytes -= len(chunk)
				s.mu.Unlock()

				if s.afterPop != nil {
					s.afterPop()
				}
				if !yield(chunk, nil) {
					return
				}
				s.mu.Lock()
				continue
			}

			if s.terminal == terminalSuccess {
				s.mu.Unlock()
				return
			}
			if s.terminal != terminalNone {
				err := s.terminalError()
				s.mu.Unlock()
				yield(nil, err)
				return
			}

			w := &psWaiter{ready: make(chan struct{})}
			s.waiter = w
			s.mu.Unlock()

			select {
			case <-w.ready:
			case <-ctx.Done():
				s.Abort()
			}

			s.mu.Lock()
		}
	}
}
