// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func newTestReadProtocol() *ReadProtocolBase {
	p := &ReadProtocolBase{}
	p.bindTransport(nil, noopFlowControl{})
	return p
}

func TestReadProtocol_ReadExactlyAcrossFragments(t *testing.T) {
	p := newTestReadProtocol()
	stream, err := p.ReadExactly(10)
	if err != nil {
		t.Fatalf("ReadExactly: %v", err)
	}
	p.DataReceived([]byte("abc"))
	p.DataReceived([]byte("defg"))
	p.DataReceived([]byte("hij"))

	got, err := stream.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !bytes.Equal(got, []byte("abcdefghij")) {
		t.Fatalf("got %q", got)
	}
}

func TestReadProtocol_ReadExactlyShortOnEOF(t *testing.T) {
	p := newTestReadProtocol()
	stream, err := p.ReadExactly(10)
	if err != nil {
		t.Fatalf("ReadExactly: %v", err)
	}
	p.DataReceived([]byte("abc"))
	p.EOFReceived()

	_, err = stream.Await(context.Background())
	if !errors.Is(err, ErrEOF) {
		t.Fatalf("Await error = %v, want ErrEOF", err)
	}
}

func TestReadProtocol_ReadUntilStraddlingFragments(t *testing.T) {
	p := newTestReadProtocol()
	stream, err := p.ReadUntil([]byte("\r\n"))
	if err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	p.DataReceived([]byte("hello\r"))
	p.DataReceived([]byte("\nworld"))

	got, err := stream.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	// The trailing "world" was pushed back onto the deque; the next reader
	// attached to the protocol should observe it.
	stream2, err := p.ReadN(5)
	if err != nil {
		t.Fatalf("ReadN: %v", err)
	}
	got2, err := stream2.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !bytes.Equal(got2, []byte("world")) {
		t.Fatalf("got2 %q, want %q", got2, "world")
	}
}

func TestReadProtocol_ReadUntilFalseStartOnIntersection(t *testing.T) {
	p := newTestReadProtocol()
	stream, err := p.ReadUntil([]byte("\r\n\r\n"))
	if err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	// "\r\n" looks like the start of the boundary but the next fragment only
	// continues with "x", not "\r\n" -- the held-back bytes must be released
	// as ordinary payload once the candidate dies.
	p.DataReceived([]byte("body\r\n"))
	p.DataReceived([]byte("x\r\n\r\n"))

	got, err := stream.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !bytes.Equal(got, []byte("body\r\nx")) {
		t.Fatalf("got %q, want %q", got, "body\r\nx")
	}
}

func TestReadProtocol_ReadUntilBoundaryEntirelyWithinOneChunk(t *testing.T) {
	p := newTestReadProtocol()
	stream, err := p.ReadUntil([]byte("||"))
	if err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	p.DataReceived([]byte("one||two||three"))

	got, err := stream.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !bytes.Equal(got, []byte("one")) {
		t.Fatalf("got %q, want %q", got, "one")
	}

	stream2, _ := p.ReadUntil([]byte("||"))
	got2, err := stream2.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !bytes.Equal(got2, []byte("two")) {
		t.Fatalf("got2 %q, want %q", got2, "two")
	}
}

func TestReadProtocol_ReadOnceReturnsOneChunkThenEmptyAtEOF(t *testing.T) {
	p := newTestReadProtocol()
	stream, err := p.ReadOnce()
	if err != nil {
		t.Fatalf("ReadOnce: %v", err)
	}
	p.DataReceived([]byte("chunk-a"))
	p.DataReceived([]byte("chunk-b")) // must remain buffered, untouched

	got, err := stream.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !bytes.Equal(got, []byte("chunk-a")) {
		t.Fatalf("got %q, want %q", got, "chunk-a")
	}

	stream2, _ := p.ReadOnce()
	got2, _ := stream2.Await(context.Background())
	if !bytes.Equal(got2, []byte("chunk-b")) {
		t.Fatalf("got2 %q, want %q", got2, "chunk-b")
	}

	stream3, _ := p.ReadOnce()
	p.EOFReceived()
	got3, err := stream3.Await(context.Background())
	if err != nil {
		t.Fatalf("Await at EOF: %v", err)
	}
	if len(got3) != 0 {
		t.Fatalf("got3 = %q, want empty", got3)
	}
}

func TestReadProtocol_OnlyOneActiveReaderAtATime(t *testing.T) {
	p := newTestReadProtocol()
	if _, err := p.ReadN(5); err != nil {
		t.Fatalf("first ReadN: %v", err)
	}
	if _, err := p.ReadN(5); !errors.Is(err, ErrReaderAlreadyActive) {
		t.Fatalf("second ReadN = %v, want ErrReaderAlreadyActive", err)
	}
}

func TestReadProtocol_SetExceptionFailsActiveReader(t *testing.T) {
	p := newTestReadProtocol()
	stream, err := p.ReadExactly(5)
	if err != nil {
		t.Fatalf("ReadExactly: %v", err)
	}
	wantErr := errors.New("socket reset")
	p.SetException(wantErr)

	_, err = stream.Await(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Await error = %v, want %v", err, wantErr)
	}

	if _, err := p.ReadN(1); err == nil {
		t.Fatal("ReadN after fatal exception: want error")
	}
}

func TestReadProtocol_ChunkIterateMatchesDataReceivedOrder(t *testing.T) {
	p := newTestReadProtocol()
	stream, err := p.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	p.DataReceived([]byte("a"))
	p.DataReceived([]byte("b"))
	p.EOFReceived()

	var collected [][]byte
	for chunk, err := range stream.Iterate(context.Background()) {
		if err != nil {
			t.Fatalf("Iterate error: %v", err)
		}
		collected = append(collected, append([]byte(nil), chunk...))
	}
	if len(collected) != 2 || !bytes.Equal(collected[0], []byte("a")) || !bytes.Equal(collected[1], []byte("b")) {
		t.Fatalf("collected = %v", collected)
	}
}

func TestChunkDeque_ConsumeAcrossMultipleChunks(t *testing.T) {
	var d chunkDeque
	d.push([]byte("12"))
	d.push([]byte("345"))
	d.push([]byte("6789"))

	parts, got := d.consume(5)
	if got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
	if !bytes.Equal(bytes.Join(parts, nil), []byte("12345")) {
		t.Fatalf("parts joined = %q", bytes.Join(parts, nil))
	}
	if d.totalLen() != 4 {
		t.Fatalf("remaining totalLen = %d, want 4", d.totalLen())
	}
	rest := d.drainAll()
	if !bytes.Equal(bytes.Join(rest, nil), []byte("6789")) {
		t.Fatalf("rest joined = %q", bytes.Join(rest, nil))
	}
}
