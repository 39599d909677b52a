// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// pipeReaderProtocol backs the stdout/stderr side of a Subprocess. It
// shadows ReadProtocolBase.DataReceived/ConnectionLost so incoming events
// can be queued in the subprocess's pendingCalls list until all three
// pipes have connected, per spec §4.9, instead of forwarding immediately.
type pipeReaderProtocol struct {
	ReadProtocolBase
	sp   *Subprocess
	name string
}

func (p *pipeReaderProtocol) ConnectionMade(t Transport) {
	p.bindTransport(t, noopFlowControl{})
	p.sp.pipeConnected()
}

func (p *pipeReaderProtocol) DataReceived(data []byte) {
	cp := append([]byte(nil), data...)
	p.sp.dispatch(func() { p.ReadProtocolBase.DataReceived(cp) })
}

func (p *pipeReaderProtocol) ConnectionLost(err error) {
	p.sp.dispatch(func() {
		if err == nil {
			p.ReadProtocolBase.EOFReceived()
		} else {
			p.ReadProtocolBase.SetException(err)
		}
		p.sp.pipeDisconnected(p.name, err)
	})
}

// subprocessStdinProtocol is the write-pipe side; PauseWriting/ResumeWriting
// propagate to the owning Subprocess's own drain-waiter. WritePipeTransport
// never calls them (it has no water-mark flow control), so the Subprocess
// is never paused through this path.
type subprocessStdinProtocol struct {
	sp *Subprocess
}

func (p *subprocessStdinProtocol) ConnectionMade(Transport) { p.sp.pipeConnected() }
func (p *subprocessStdinProtocol) DataReceived([]byte)      {}
func (p *subprocessStdinProtocol) EOFReceived() bool        { return false }
func (p *subprocessStdinProtocol) ConnectionLost(err error) {
	p.sp.dispatch(func() { p.sp.pipeDisconnected("stdin", err) })
}
func (p *subprocessStdinProtocol) PauseWriting()  { p.sp.pauseDrain() }
func (p *subprocessStdinProtocol) ResumeWriting() { p.sp.resumeDrain() }

// Subprocess multiplexes a child process's stdin/stdout/stderr through
// dedicated pipe transports. stdin is a socketpair (per spec §4.9) rather
// than a plain pipe so that readable-event-on-write-end peer-close
// detection works the same way across platforms.
type Subprocess struct {
	loop Loop
	cmd  *exec.Cmd

	stdinTransport  *WritePipeTransport
	stdoutTransport *ReadPipeTransport
	stderrTransport *ReadPipeTransport

	stdinProto  *subprocessStdinProtocol
	stdoutProto *pipeReaderProtocol
	stderrProto *pipeReaderProtocol

	mu             sync.Mutex
	connectedCount int
	pendingCalls   []func()

	drainWaiter *psWaiter
	paused      bool

	waitOnce  sync.Once
	exitState *Future
}

// NewSubprocess starts name with args, wiring its three standard streams
// through pipe transports driven by loop.
func NewSubprocess(loop Loop, name string, args ...string) (*Subprocess, error) {
	var stdinFds [2]int
	if fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0); err != nil {
		return nil, err
	} else {
		stdinFds = [2]int{fds[0], fds[1]}
	}
	var stdoutFds, stderrFds [2]int
	if fds := make([]int, 2); true {
		if err := unix.Pipe2(fds, 0); err != nil {
			return nil, err
		}
		stdoutFds = [2]int{fds[0], fds[1]}
	}
	if fds := make([]int, 2); true {
		if err := unix.Pipe2(fds, 0); err != nil {
			return nil, err
		}
		stderrFds = [2]int{fds[0], fds[1]}
	}

	cmd := exec.Command(name, args...)
	cmd.Stdin = os.NewFile(uintptr(stdinFds[1]), "stdin")
	cmd.Stdout = os.NewFile(uintptr(stdoutFds[1]), "stdout")
	cmd.Stderr = os.NewFile(uintptr(stderrFds[1]), "stderr")

	if err := cmd.Start(); err != nil {
		_ = unix.Close(stdinFds[0])
		_ = unix.Close(stdinFds[1])
		_ = unix.Close(stdoutFds[0])
		_ = unix.Close(stdoutFds[1])
		_ = unix.Close(stderrFds[0])
		_ = unix.Close(stderrFds[1])
		return nil, err
	}
	// The child now holds its own dup'd copies; release ours.
	_ = unix.Close(stdinFds[1])
	_ = unix.Close(stdoutFds[1])
	_ = unix.Close(stderrFds[1])

	sp := &Subprocess{loop: loop, cmd: cmd, exitState: NewFuture()}

	parentStdin, err := newFdConn(stdinFds[0])
	if err != nil {
		return nil, err
	}
	parentStdout, err := newFdConn(stdoutFds[0])
	if err != nil {
		return nil, err
	}
	parentStderr, err := newFdConn(stderrFds[0])
	if err != nil {
		return nil, err
	}

	sp.stdinProto = &subprocessStdinProtocol{sp: sp}
	sp.stdoutProto = &pipeReaderProtocol{sp: sp, name: "stdout"}
	sp.stderrProto = &pipeReaderProtocol{sp: sp, name: "stderr"}

	sp.stdinTransport, err = NewWritePipeTransport(loop, parentStdin, sp.stdinProto)
	if err != nil {
		return nil, err
	}
	sp.stdoutTransport, err = NewReadPipeTransport(loop, parentStdout, sp.stdoutProto)
	if err != nil {
		return nil, err
	}
	sp.stderrTransport, err = NewReadPipeTransport(loop, parentStderr, sp.stderrProto)
	if err != nil {
		return nil, err
	}

	return sp, nil
}

func (sp *Subprocess) dispatch(fn func()) {
	sp.mu.Lock()
	if sp.connectedCount < 3 {
		sp.pendingCalls = append(sp.pendingCalls, fn)
		sp.mu.Unlock()
		return
	}
	sp.mu.Unlock()
	fn()
}

func (sp *Subprocess) pipeConnected() {
	sp.mu.Lock()
	sp.connectedCount++
	all := sp.connectedCount == 3
	var queued []func()
	if all {
		queued = sp.pendingCalls
		sp.pendingCalls = nil
	}
	sp.mu.Unlock()
	if all {
		for _, fn := range queued {
			fn()
		}
	}
}

func (sp *Subprocess) pipeDisconnected(name string, err error) {
	// No dedicated action beyond the per-pipe protocol's own bookkeeping;
	// Wait()/Communicate() learn the process has exited via cmd.Wait(),
	// not from any individual pipe closing.
	_ = name
	_ = err
}

func (sp *Subprocess) pauseDrain()  { sp.mu.Lock(); sp.paused = true; sp.mu.Unlock() }
func (sp *Subprocess) resumeDrain() {
	sp.mu.Lock()
	sp.paused = false
	w := sp.drainWaiter
	sp.drainWaiter = nil
	sp.mu.Unlock()
	if w != nil {
		w.wake()
	}
}

// WriteStdin queues data on the stdin transport for the child's standard
// input.
func (sp *Subprocess) WriteStdin(data []byte) (int, error) { return sp.stdinTransport.Write(data) }

// DrainStdin blocks while the Subprocess is paused (between a PauseWriting
// and the next ResumeWriting on the stdin protocol). The stdin
// WritePipeTransport issues no such notifications, so DrainStdin returns at
// once; it does not wait for queued stdin bytes to be written.
func (sp *Subprocess) DrainStdin(ctx context.Context) error {
	sp.mu.Lock()
	if !sp.paused {
		sp.mu.Unlock()
		return nil
	}
	for sp.paused {
		w := &psWaiter{ready: make(chan struct{})}
		sp.drainWaiter = w
		sp.mu.Unlock()
		select {
		case <-w.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		sp.mu.Lock()
	}
	sp.mu.Unlock()
	return nil
}

// CloseStdin signals EOF to the child's standard input.
func (sp *Subprocess) CloseStdin() { sp.stdinTransport.Close() }

// Stdout returns a PayloadStream that yields the child's standard output
// until it closes.
func (sp *Subprocess) Stdout() (*PayloadStream, error) { return sp.stdoutProto.Read() }

// Stderr returns a PayloadStream that yields the child's standard error
// until it closes.
func (sp *Subprocess) Stderr() (*PayloadStream, error) { return sp.stderrProto.Read() }

func (sp *Subprocess) startWaiter() {
	sp.waitOnce.Do(func() {
		go func() {
			err := sp.cmd.Wait()
			if err != nil {
				if sp.cmd.ProcessState != nil {
					sp.exitState.SetResult(sp.cmd.ProcessState.ExitCode())
					return
				}
				sp.exitState.SetException(err)
				return
			}
			sp.exitState.SetResult(sp.cmd.ProcessState.ExitCode())
		}()
	})
}

// Wait blocks until the child exits and returns its exit code.
func (sp *Subprocess) Wait(ctx context.Context) (int, error) {
	sp.startWaiter()
	v, err := sp.exitState.Await(ctx)
	if err != nil {
		return -1, err
	}
	return v.(int), nil
}

// Signal delivers sig to the child.
func (sp *Subprocess) Signal(sig os.Signal) error { return sp.cmd.Process.Signal(sig) }

// Communicate feeds input to stdin (if non-empty), concurrently drains
// stdout and stderr to completion, and waits for exit, cancelling all of it
// if ctx is cancelled (e.g. on a timeout).
func (sp *Subprocess) Communicate(ctx context.Context, input []byte) (stdout, stderr []byte, exitCode int, err error) {
	sp.startWaiter()

	feedErr := make(chan error, 1)
	go func() {
		if len(input) > 0 {
			if _, werr := sp.WriteStdin(input); werr != nil {
				feedErr <- werr
				return
			}
			if derr := sp.DrainStdin(ctx); derr != nil {
				feedErr <- derr
				return
			}
		}
		sp.CloseStdin()
		feedErr <- nil
	}()

	drain := func(get func() (*PayloadStream, error)) ([]byte, error) {
		stream, serr := get()
		if serr != nil {
			return nil, serr
		}
		return stream.Await(ctx)
	}

	outCh := make(chan []byte, 1)
	outErrCh := make(chan error, 1)
	go func() {
		b, derr := drain(sp.Stdout)
		outCh <- b
		outErrCh <- derr
	}()
	errCh := make(chan []byte, 1)
	errErrCh := make(chan error, 1)
	go func() {
		b, derr := drain(sp.Stderr)
		errCh <- b
		errErrCh <- derr
	}()

	if ferr := <-feedErr; ferr != nil {
		err = ferr
	}
	stdout, stdoutErr := <-outCh, <-outErrCh
	stderr, stderrErr := <-errCh, <-errErrCh
	if err == nil {
		err = stdoutErr
	}
	if err == nil {
		err = stderrErr
	}

	// The exit wait deliberately does not share ctx's deadline: per spec
	// §5, a communicate() timeout cancels the three helpers above but still
	// awaits the child to its real, eventual exit code in the caller's frame.
	code, werr := sp.Wait(context.Background())
	if err == nil {
		err = werr
	}
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		err = &TimeoutError{Argv: sp.cmd.Args}
	}
	return stdout, stderr, code, err
}
