// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestPayloadStream_AwaitSuccess(t *testing.T) {
	s := newPayloadStream(nil, nil)
	if !s.AddReceivedChunk([]byte("hey")) {
		t.Fatal("AddReceivedChunk: want true")
	}
	if !s.AddReceivedChunk([]byte(" sister")) {
		t.Fatal("AddReceivedChunk: want true")
	}

	done := make(chan struct{})
	var got []byte
	var gotErr error
	go func() {
		got, gotErr = s.Await(context.Background())
		close(done)
	}()

	// Give the consumer goroutine a chance to attach its waiter before we
	// complete the stream.
	time.Sleep(10 * time.Millisecond)
	if !s.SetDoneSuccess() {
		t.Fatal("SetDoneSuccess: want true")
	}
	<-done

	if gotErr != nil {
		t.Fatalf("Await error: %v", gotErr)
	}
	if !bytes.Equal(got, []byte("hey sister")) {
		t.Fatalf("Await got %q", got)
	}
}

func TestPayloadStream_TerminalIsMonotonic(t *testing.T) {
	s := newPayloadStream(nil, nil)
	if !s.SetDoneSuccess() {
		t.Fatal("first SetDoneSuccess: want true")
	}
	if s.SetDoneSuccess() {
		t.Fatal("second SetDoneSuccess: want false")
	}
	if s.SetDoneCancelled() {
		t.Fatal("SetDoneCancelled after success: want false")
	}
	if s.AddReceivedChunk([]byte("x")) {
		t.Fatal("AddReceivedChunk after terminal: want false")
	}
}

func TestPayloadStream_SuccessKeepsBufferedData(t *testing.T) {
	s := newPayloadStream(nil, nil)
	s.AddReceivedChunk([]byte("data"))
	s.SetDoneSuccess()
	got, err := s.Await(context.Background())
	if err != nil {
		t.Fatalf("Await error: %v", err)
	}
	if !bytes.Equal(got, []byte("data")) {
		t.Fatalf("Await got %q, want buffered data preserved", got)
	}
}

func TestPayloadStream_ExceptionClearsBuffer(t *testing.T) {
	s := newPayloadStream(nil, nil)
	s.AddReceivedChunk([]byte("partial"))
	wantErr := errors.New("boom")
	s.SetDoneException(wantErr)
	if len(s.chunks) != 0 {
		t.Fatalf("chunks after exception: got %v, want cleared", s.chunks)
	}
	_, err := s.Await(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Await error = %v, want %v", err, wantErr)
	}
}

func TestPayloadStream_ModeMismatchIsAnError(t *testing.T) {
	s := newPayloadStream(nil, nil)
	s.SetDoneSuccess()
	_, err := s.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	s2 := newPayloadStream(nil, nil)
	s2.SetDoneSuccess()
	for range s2.Iterate(context.Background()) {
	}
	_, err = s2.Await(context.Background())
	if !errors.Is(err, ErrStreamModeMismatch) {
		t.Fatalf("Await after Iterate = %v, want ErrStreamModeMismatch", err)
	}
}

func TestPayloadStream_IterateWakesWaitingConsumer(t *testing.T) {
	s := newPayloadStream(nil, nil)
	received := make(chan []byte, 1)
	go func() {
		for chunk, err := range s.Iterate(context.Background()) {
			if err != nil {
				return
			}
			received <- chunk
			return
		}
	}()

	time.Sleep(10 * time.Millisecond)
	if len(s.chunks) != 0 {
		t.Fatalf("expected no buffering before the chunk arrives, got %d chunks", len(s.chunks))
	}
	s.AddReceivedChunk([]byte("direct"))

	select {
	case got := <-received:
		if !bytes.Equal(got, []byte("direct")) {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the woken consumer to receive the chunk")
	}
}

func TestPayloadStream_CancelAwaitAborts(t *testing.T) {
	s := newPayloadStream(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Await(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	err := <-done
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Await after cancel = %v, want *ConnectionError", err)
	}
	if s.terminal != terminalAborted {
		t.Fatalf("terminal state = %v, want aborted", s.terminal)
	}
}

func TestPayloadStream_DoneCallbackOrderAndImmediate(t *testing.T) {
	s := newPayloadStream(nil, nil)
	var order []int
	s.AddDoneCallback(func() { order = append(order, 1) })
	s.AddDoneCallback(func() { order = append(order, 2) })
	s.SetDoneSuccess()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("callback order = %v, want [2 1] (reverse registration)", order)
	}

	var ran bool
	s.AddDoneCallback(func() { ran = true })
	if !ran {
		t.Fatal("AddDoneCallback after terminal: want immediate run")
	}
}

func TestPayloadStream_BufferSizeOnlyCountsInChunkMode(t *testing.T) {
	whole := newPayloadStream(nil, nil)
	whole.mode = waitModeWhole
	whole.AddReceivedChunk([]byte("12345"))
	if got := whole.BufferSize(); got != 0 {
		t.Fatalf("BufferSize in whole mode = %d, want 0", got)
	}

	chunked := newPayloadStream(nil, nil)
	chunked.mode = waitModeChunk
	chunked.AddReceivedChunk([]byte("12345"))
	if got := chunked.BufferSize(); got != 5 {
		t.Fatalf("BufferSize in chunk mode = %d, want 5", got)
	}
}
