// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"bytes"
)

// readBufferPauseThreshold is the outstanding-byte count (buffered chunks
// plus the active stream's chunk-mode buffer) past which ReadProtocolBase
// asks the transport to pause reading.
const readBufferPauseThreshold = 131072

// chunkDeque is the protocol's append-only buffer of received byte slices,
// with an offset into the head chunk for partial consumption. It is
// single-writer (DataReceived) / single-reader (the active reader machine),
// which is why -- exactly as the source design intends -- no lock guards it;
// callers are responsible for only ever touching it from the Loop goroutine.
type chunkDeque struct {
	chunks  [][]byte
	headOff int
}

func (d *chunkDeque) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	d.chunks = append(d.chunks, chunk)
}

func (d *chunkDeque) empty() bool { return len(d.chunks) == 0 }

func (d *chunkDeque) totalLen() int {
	total := 0
	for i, c := range d.chunks {
		l := len(c)
		if i == 0 {
			l -= d.headOff
		}
		total += l
	}
	return total
}

// popFrontChunk removes and returns the next whole push-unit (respecting a
// partial head offset from earlier partial consumption). Used by ReadOnce
// and the boundary scanner, which both operate per arrived chunk rather
// than per byte.
func (d *chunkDeque) popFrontChunk() ([]byte, bool) {
	if len(d.chunks) == 0 {
		return nil, false
	}
	c := d.chunks[0][d.headOff:]
	d.chunks = d.chunks[1:]
	d.headOff = 0
	return c, true
}

// pushFront puts a leftover slice back at the head of the deque, e.g. the
// tail of a chunk after a boundary was found partway through it.
func (d *chunkDeque) pushFront(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	d.chunks = append([][]byte{chunk}, d.chunks...)
}

// consume pops up to n bytes from the front as a list of zero-copy slices
// into the original chunks (so callers can hand them straight to a
// PayloadStream without recopying), returning the slices and the total
// bytes actually available (< n at EOF / buffer exhaustion).
func (d *chunkDeque) consume(n int) (parts [][]byte, got int) {
	for got < n && len(d.chunks) > 0 {
		c := d.chunks[0][d.headOff:]
		need := n - got
		if len(c) <= need {
			parts = append(parts, c)
			got += len(c)
			d.chunks = d.chunks[1:]
			d.headOff = 0
		} else {
			parts = append(parts, c[:need])
			got += need
			d.headOff += need
		}
	}
	return parts, got
}

// drainAll pops every remaining byte as zero-copy slices.
func (d *chunkDeque) drainAll() [][]byte {
	if len(d.chunks) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(d.chunks))
	if d.headOff > 0 {
		out = append(out, d.chunks[0][d.headOff:])
		d.chunks = d.chunks[1:]
		d.headOff = 0
	}
	out = append(out, d.chunks...)
	d.chunks = nil
	return out
}

// readerMachine is the explicit state machine a generator-coroutine reader
// becomes in a systems language (design note in spec §9): instead of a
// coroutine resumed with send()/throw(), each operation is a small struct
// whose advance method is called whenever the protocol's buffered input,
// EOF flag, or fatal exception changes, and which drives its PayloadStream
// to completion without ever blocking the calling goroutine.
type readerMachine interface {
	advance(q *chunkDeque, atEOF bool, fatal error, stream *PayloadStream) (done bool)
}

// ReadProtocolBase is the ReadProtocol half of the spec: an append-only
// chunk deque, EOF/pause flags, a sticky fatal exception, and at most one
// active reader machine at a time. Concrete protocols embed this and
// forward DataReceived/EOFReceived/ConnectionLost into it.
type ReadProtocolBase struct {
	deque         chunkDeque
	atEOF         bool
	pausedReading bool
	fatal         error

	active       readerMachine
	activeStream *PayloadStream

	transport Transport
	flow      FlowControl
}

// bindTransport installs the transport and its FlowControl. Production
// transports pass themselves; tests may pass a noopFlowControl.
func (p *ReadProtocolBase) bindTransport(t Transport, flow FlowControl) {
	p.transport = t
	if flow == nil {
		flow = transportFlowControl{t: t}
	}
	p.flow = flow
}

// DataReceived feeds newly arrived bytes in; never called with an empty slice.
func (p *ReadProtocolBase) DataReceived(data []byte) {
	if p.fatal != nil {
		return
	}
	p.deque.push(data)
	p.pump()
	p.maybePause()
}

// EOFReceived feeds the synthetic end-of-file signal into any active reader.
// Mirrors the spec's "read and read_once treat it as clean end; read_exactly
// and read_until translate it to a ConnectionError".
func (p *ReadProtocolBase) EOFReceived() bool {
	p.atEOF = true
	p.pump()
	return true
}

// SetException aborts any active reader by propagating err into its stream
// and stores err as the protocol's sticky fatal exception; subsequent reads
// fail immediately.
func (p *ReadProtocolBase) SetException(err error) {
	if p.fatal != nil {
		return
	}
	p.fatal = err
	p.pump()
}

func (p *ReadProtocolBase) pump() {
	if p.active == nil {
		return
	}
	done := p.active.advance(&p.deque, p.atEOF, p.fatal, p.activeStream)
	if done {
		p.active = nil
		p.activeStream = nil
	}
}

func (p *ReadProtocolBase) maybePause() {
	outstanding := p.deque.totalLen()
	if p.activeStream != nil {
		outstanding += p.activeStream.BufferSize()
	}
	if outstanding > readBufferPauseThreshold && !p.pausedReading {
		p.pausedReading = true
		p.flow.PauseReading()
	}
}

// ResumeReading is called by a chunk-mode consumer (directly, or implicitly
// via PayloadStream.Iterate) after draining below the pause threshold.
func (p *ReadProtocolBase) ResumeReading() {
	if !p.pausedReading {
		return
	}
	outstanding := p.deque.totalLen()
	if p.activeStream != nil {
		outstanding += p.activeStream.BufferSize()
	}
	if outstanding <= readBufferPauseThreshold {
		p.pausedReading = false
		p.flow.ResumeReading()
	}
}

func (p *ReadProtocolBase) attachReader(m readerMachine) (*PayloadStream, error) {
	if p.active != nil {
		return nil, ErrReaderAlreadyActive
	}
	if p.fatal != nil {
		return nil, p.fatal
	}
	stream := newPayloadStream(p.onStreamAbort, p.ResumeReading)
	p.active = m
	p.activeStream = stream
	p.pump()
	return stream, nil
}

// onStreamAbort is wired as the PayloadStream's onAbort: when the consumer
// gives up, the protocol detaches the in-flight reader; bytes still in the
// deque stay there for the next reader.
func (p *ReadProtocolBase) onStreamAbort() {
	p.active = nil
	p.activeStream = nil
}

// Read streams to EOF.
func (p *ReadProtocolBase) Read() (*PayloadStream, error) {
	return p.attachReader(&readAllMachine{})
}

// ReadN reads up to n bytes, stopping early on EOF.
func (p *ReadProtocolBase) ReadN(n int) (*PayloadStream, error) {
	return p.attachReader(&readNMachine{remaining: n})
}

// ReadExactly reads exactly n bytes; a short read due to EOF surfaces as
// *ConnectionError wrapping ErrEOF.
func (p *ReadProtocolBase) ReadExactly(n int) (*PayloadStream, error) {
	return p.attachReader(&readExactlyMachine{remaining: n})
}

// ReadUntil reads until (and consumes) boundary; the returned bytes never
// contain boundary.
func (p *ReadProtocolBase) ReadUntil(boundary []byte) (*PayloadStream, error) {
	return p.attachReader(&readUntilMachine{boundary: boundary})
}

// ReadOnce returns one kernel chunk as delivered by DataReceived; empty
// bytes on EOF.
func (p *ReadProtocolBase) ReadOnce() (*PayloadStream, error) {
	return p.attachReader(&readOnceMachine{})
}

// readAllMachine implements Read(): stream to EOF.
type readAllMachine struct{}

func (m *readAllMachine) advance(q *chunkDeque, atEOF bool, fatal error, s *PayloadStream) bool {
	for _, c := range q.drainAll() {
		s.AddReceivedChunk(c)
	}
	if fatal != nil {
		s.SetDoneException(fatal)
		return true
	}
	if atEOF {
		s.SetDoneSuccess()
		return true
	}
	return false
}

// readNMachine implements Read(n): up to n bytes, stops early on EOF.
type readNMachine struct{ remaining int }

func (m *readNMachine) advance(q *chunkDeque, atEOF bool, fatal error, s *PayloadStream) bool {
	if fatal != nil {
		s.SetDoneException(fatal)
		return true
	}
	parts, got := q.consume(m.remaining)
	for _, c := range parts {
		s.AddReceivedChunk(c)
	}
	m.remaining -= got
	if m.remaining == 0 {
		s.SetDoneSuccess()
		return true
	}
	if atEOF {
		s.SetDoneSuccess()
		return true
	}
	return false
}

// readExactlyMachine implements ReadExactly(n).
type readExactlyMachine struct{ remaining int }

func (m *readExactlyMachine) advance(q *chunkDeque, atEOF bool, fatal error, s *PayloadStream) bool {
	if fatal != nil {
		s.SetDoneException(fatal)
		return true
	}
	parts, got := q.consume(m.remaining)
	for _, c := range parts {
		s.AddReceivedChunk(c)
	}
	m.remaining -= got
	if m.remaining == 0 {
		s.SetDoneSuccess()
		return true
	}
	if atEOF {
		s.SetDoneException(newConnectionError("read_exactly: short read", ErrEOF))
		return true
	}
	return false
}

// readOnceMachine implements ReadOnce(): one kernel chunk, or empty on EOF.
type readOnceMachine struct{}

func (m *readOnceMachine) advance(q *chunkDeque, atEOF bool, fatal error, s *PayloadStream) bool {
	if fatal != nil {
		s.SetDoneException(fatal)
		return true
	}
	if chunk, ok := q.popFrontChunk(); ok {
		s.AddReceivedChunk(chunk)
		s.SetDoneSuccess()
		return true
	}
	if atEOF {
		s.SetDoneSuccess()
		return true
	}
	return false
}

// readUntilMachine implements ReadUntil(boundary): the cross-chunk boundary
// scan described in spec §4.2. intersections holds candidate boundary
// prefix-lengths that matched the tail of a previously released chunk, in
// the order they were established ("first established wins" on a tie);
// heldBack holds the longest such suffix, from which any candidate's
// already-matched bytes can be recovered as heldBack[len(heldBack)-k:].
type readUntilMachine struct {
	boundary      []byte
	intersections []int
	heldBack      []byte
}

func (m *readUntilMachine) advance(q *chunkDeque, atEOF bool, fatal error, s *PayloadStream) bool {
	if fatal != nil {
		s.SetDoneException(fatal)
		return true
	}

	for {
		chunk, ok := q.popFrontChunk()
		if !ok {
			break
		}
		if m.processChunk(q, chunk, s) {
			return true
		}
	}

	if atEOF {
		// Boundary never completed; whatever is held back was never part of
		// a real boundary match, but at EOF we can no longer wait for more
		// bytes to decide, so this is a short/required read failure.
		s.SetDoneException(newConnectionError("read_until: short read", ErrEOF))
		return true
	}
	return false
}

// processChunk handles one incoming chunk through the three sub-steps from
// spec §4.2. It returns true once the boundary has been found and the
// stream completed; any bytes past the boundary are pushed back onto q's
// front so the next reader attached to the protocol sees them first.
func (m *readUntilMachine) processChunk(q *chunkDeque, chunk []byte, s *PayloadStream) bool {
	boundary := m.boundary

	// Step 1: finish intersections, oldest-established first.
	for _, k := range m.intersections {
		need := len(boundary) - k
		if need <= len(chunk) && bytes.Equal(chunk[:need], boundary[k:]) {
			released := m.releaseHeldBackExceptSuffix(k)
			m.intersections = nil
			m.heldBack = nil
			if released != nil {
				s.AddReceivedChunk(released)
			}
			if rest := chunk[need:]; len(rest) > 0 {
				q.pushFront(append([]byte(nil), rest...))
			}
			s.SetDoneSuccess()
			return true
		}
	}

	// Step 2: continue intersections that were too short to finish.
	if len(m.intersections) > 0 {
		survivors := m.intersections[:0]
		anySurvived := false
		for _, k := range m.intersections {
			need := len(boundary) - k
			if need <= len(chunk) {
				// Already handled (or mismatched) in step 1; drop.
				continue
			}
			if bytes.Equal(chunk, boundary[k:k+len(chunk)]) {
				survivors = append(survivors, k+len(chunk))
				anySurvived = true
			}
		}
		if anySurvived {
			m.intersections = survivors
			m.heldBack = append(m.heldBack, chunk...)
			m.trimHeldBack(s)
			return false
		}
		// No candidate survived: release held-back bytes as ordinary
		// output, then fall through to a fresh new-start scan of chunk.
		if m.heldBack != nil {
			s.AddReceivedChunk(m.heldBack)
		}
		m.intersections = nil
		m.heldBack = nil
	}

	// Step 3: new-start scan within chunk.
	if idx := bytes.Index(chunk, boundary); idx >= 0 {
		if idx > 0 {
			s.AddReceivedChunk(chunk[:idx])
		}
		if rest := chunk[idx+len(boundary):]; len(rest) > 0 {
			q.pushFront(append([]byte(nil), rest...))
		}
		s.SetDoneSuccess()
		return true
	}

	maxL := len(boundary) - 1
	if maxL > len(chunk) {
		maxL = len(chunk)
	}
	bestL := 0
	for l := maxL; l > 0; l-- {
		if bytes.Equal(chunk[len(chunk)-l:], boundary[:l]) {
			bestL = l
			break
		}
	}
	if bestL == 0 {
		s.AddReceivedChunk(chunk)
		return false
	}
	if rel := chunk[:len(chunk)-bestL]; len(rel) > 0 {
		s.AddReceivedChunk(rel)
	}
	m.heldBack = append([]byte(nil), chunk[len(chunk)-bestL:]...)
	for l := bestL; l >= 1; l-- {
		if bytes.Equal(m.heldBack[len(m.heldBack)-l:], boundary[:l]) {
			m.intersections = append(m.intersections, l)
		}
	}
	return false
}

// releaseHeldBackExceptSuffix returns the prefix of heldBack that is not
// part of the matched boundary suffix of length k (nil if nothing remains).
func (m *readUntilMachine) releaseHeldBackExceptSuffix(k int) []byte {
	if len(m.heldBack) <= k {
		return nil
	}
	return m.heldBack[:len(m.heldBack)-k]
}

// trimHeldBack keeps heldBack to at most len(boundary)-1 bytes: any excess
// accumulated while continuing intersections is released to s in FIFO
// order. The candidate k values are suffix lengths, so they remain valid
// after trimming bytes off the front.
func (m *readUntilMachine) trimHeldBack(s *PayloadStream) {
	maxRetain := len(m.boundary) - 1
	if maxRetain < 0 {
		maxRetain = 0
	}
	if len(m.heldBack) <= maxRetain {
		return
	}
	// The overflow happens when a longer candidate dies while a shorter one
	// survives (boundary "aaab" fed "xaaa", "a"): the excess prefix cannot be
	// part of any surviving candidate, so it is ordinary payload.
	excess := len(m.heldBack) - maxRetain
	s.AddReceivedChunk(m.heldBack[:excess])
	m.heldBack = m.heldBack[excess:]
}

