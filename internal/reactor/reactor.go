// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reactor provides the epoll-backed ioruntime.Loop implementation
// used outside of tests; every transport, SSL pipe, and subprocess in the
// parent package is built against the Loop interface, not against this
// package directly.
package reactor

import (
	"context"
	"sync"
	"time"

	"code.hybscloud.com/ioruntime"
	"golang.org/x/sys/unix"
)

type fdState struct {
	registered bool
	read       func()
	write      func()
}

// Reactor is a single-goroutine epoll event loop. Run must be called on the
// goroutine that is meant to own it; AddReader/AddWriter/CallSoon are safe
// to call from other goroutines and wake a blocked Run promptly.
type Reactor struct {
	epfd int

	mu  sync.Mutex
	fds map[int]*fdState

	soonMu sync.Mutex
	soon   []func()

	wakeR, wakeW int

	exceptionHandler ioruntime.ExceptionHandler
}

// New creates a Reactor backed by epoll_create1. Close releases its epoll
// fd and wake pipe.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		epfd:             epfd,
		fds:              make(map[int]*fdState),
		wakeR:            fds[0],
		wakeW:            fds[1],
		exceptionHandler: defaultHandler,
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.wakeR)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.wakeR, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(r.wakeR)
		_ = unix.Close(r.wakeW)
		return nil, err
	}
	return r, nil
}

func defaultHandler(context string, err error) {}

// SetExceptionHandler replaces the handler stored on the Reactor (by default
// one that discards errors). Run does not recover panics from callbacks and
// does not itself call the stored handler.
func (r *Reactor) SetExceptionHandler(h ioruntime.ExceptionHandler) {
	if h != nil {
		r.exceptionHandler = h
	}
}

func (r *Reactor) ctl(fd int, st *fdState) error {
	var events uint32
	if st.read != nil {
		events |= unix.EPOLLIN
	}
	if st.write != nil {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !st.registered {
		op = unix.EPOLL_CTL_ADD
		st.registered = true
	}
	return unix.EpollCtl(r.epfd, op, fd, &ev)
}

// AddReader arms cb to run whenever fd becomes readable.
func (r *Reactor) AddReader(fd int, cb func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.fds[fd]
	if st == nil {
		st = &fdState{}
		r.fds[fd] = st
	}
	st.read = cb
	return r.ctl(fd, st)
}

// RemoveReader disarms fd's read callback.
func (r *Reactor) RemoveReader(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.fds[fd]
	if st == nil || st.read == nil {
		return nil
	}
	st.read = nil
	if st.write == nil {
		delete(r.fds, fd)
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return r.ctl(fd, st)
}

// AddWriter arms cb to run whenever fd becomes writable.
func (r *Reactor) AddWriter(fd int, cb func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.fds[fd]
	if st == nil {
		st = &fdState{}
		r.fds[fd] = st
	}
	st.write = cb
	return r.ctl(fd, st)
}

// RemoveWriter disarms fd's write callback.
func (r *Reactor) RemoveWriter(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.fds[fd]
	if st == nil || st.write == nil {
		return nil
	}
	st.write = nil
	if st.read == nil {
		delete(r.fds, fd)
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return r.ctl(fd, st)
}

// CallSoon queues cb to run on the Run goroutine at its next opportunity,
// waking a blocked epoll_wait if necessary.
func (r *Reactor) CallSoon(cb func()) {
	r.soonMu.Lock()
	r.soon = append(r.soon, cb)
	r.soonMu.Unlock()
	_, _ = unix.Write(r.wakeW, []byte{0})
}

func (r *Reactor) drainSoon() {
	r.soonMu.Lock()
	pending := r.soon
	r.soon = nil
	r.soonMu.Unlock()
	for _, cb := range pending {
		cb()
	}
}

// NewFuture satisfies ioruntime.Loop.
func (r *Reactor) NewFuture() *ioruntime.Future { return ioruntime.NewFuture() }

// CreateTask satisfies ioruntime.Loop; the task's context is independent of
// Run's lifetime, matching the package-level ioruntime.CreateTask helper.
func (r *Reactor) CreateTask(fn func(context.Context) error) *ioruntime.Task {
	return ioruntime.CreateTask(context.Background(), fn)
}

// RunInExecutor runs fn on its own goroutine and resolves the returned
// Future with its result, the Go stand-in for offloading blocking work off
// the loop thread.
func (r *Reactor) RunInExecutor(fn func() (any, error)) *ioruntime.Future {
	f := ioruntime.NewFuture()
	go func() {
		v, err := fn()
		if err != nil {
			f.SetException(err)
			return
		}
		f.SetResult(v)
	}()
	return f
}

// Now satisfies ioruntime.Loop.
func (r *Reactor) Now() time.Time { return time.Now() }

// Run drives the epoll loop until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 128)
	wakeBuf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.drainSoon()

		n, err := unix.EpollWait(r.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeR {
				for {
					if _, rerr := unix.Read(r.wakeR, wakeBuf); rerr != nil {
						break
					}
				}
				continue
			}
			r.mu.Lock()
			st := r.fds[fd]
			r.mu.Unlock()
			if st == nil {
				continue
			}
			if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && st.read != nil {
				st.read()
			}
			if events[i].Events&unix.EPOLLOUT != 0 && st.write != nil {
				st.write()
			}
		}
	}
}

// Close releases the reactor's own file descriptors. It does not touch any
// fd registered via AddReader/AddWriter.
func (r *Reactor) Close() error {
	_ = unix.Close(r.wakeR)
	_ = unix.Close(r.wakeW)
	return unix.Close(r.epfd)
}

var _ ioruntime.Loop = (*Reactor)(nil)
