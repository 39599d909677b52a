// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

import (
	"context"
	"log"
	"sync"
	"time"
)

// Loop is the event-loop seam every transport, SSL pipe, and subprocess is
// built against: fd readiness registration, deferred callback scheduling,
// Future/Task construction, and a wall clock. internal/reactor provides the
// concrete epoll-backed implementation; tests can substitute a fake.
type Loop interface {
	AddReader(fd int, cb func()) error
	RemoveReader(fd int) error
	AddWriter(fd int, cb func()) error
	RemoveWriter(fd int) error
	CallSoon(cb func())
	NewFuture() *Future
	CreateTask(fn func(context.Context) error) *Task
	RunInExecutor(fn func() (any, error)) *Future
	Now() time.Time
}

// ExceptionHandler is the signature for a reporter of errors that have
// nowhere else to return to, matching the teacher's general abstinence from
// a logging framework. The transports in this package do not call one:
// they deliver failures to their protocol instead.
type ExceptionHandler func(context string, err error)

// defaultExceptionHandler logs via the stdlib log package. Nothing in this
// module installs it; internal/reactor's Reactor starts with a handler that
// discards errors, replaceable through SetExceptionHandler.
func defaultExceptionHandler(context string, err error) {
	log.Printf("ioruntime: unhandled error in %s: %v", context, err)
}

// Future is a single-assignment result cell, the non-generic building block
// both payload streams and Task are layered on conceptually (though
// PayloadStream has its own implementation tuned for the chunked case).
type Future struct {
	mu       sync.Mutex
	done     bool
	value    any
	err      error
	waiter   *psWaiter
	callback []func()
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future { return &Future{} }

// SetResult resolves the future successfully. Returns false if already resolved.
func (f *Future) SetResult(v any) bool { return f.resolve(v, nil) }

// SetException resolves the future with an error. Returns false if already resolved.
func (f *Future) SetException(err error) bool { return f.resolve(nil, err) }

func (f *Future) resolve(v any, err error) bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return false
	}
	f.done = true
	f.value = v
	f.err = err
	var w *psWaiter
	if f.waiter != nil {
		w = f.waiter
		f.waiter = nil
	}
	cbs := f.callback
	f.callback = nil
	f.mu.Unlock()

	if w != nil {
		w.wake()
	}
	for _, cb := range cbs {
		cb()
	}
	return true
}

// AddDoneCallback runs cb once the future resolves, or immediately if it
// already has.
func (f *Future) AddDoneCallback(cb func()) {
	f.mu.Lock()
	if !f.done {
		f.callback = append(f.callback, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cb()
}

// Await blocks until the future resolves and returns its value, or the
// stored error; cancelling ctx resolves it with ctx.Err().
func (f *Future) Await(ctx context.Context) (any, error) {
	f.mu.Lock()
	for !f.done {
		w := &psWaiter{ready: make(chan struct{})}
		f.waiter = w
		f.mu.Unlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			f.resolve(nil, ctx.Err())
		}

		f.mu.Lock()
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	return v, err
}

// Task runs fn on its own goroutine and exposes it as a Future.
type Task struct {
	*Future
	cancel context.CancelFunc
}

// CreateTask starts fn immediately on a new goroutine bound to a
// child context derived from ctx, and returns a handle to await or cancel it.
func CreateTask(ctx context.Context, fn func(context.Context) error) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{Future: NewFuture(), cancel: cancel}
	go func() {
		err := fn(taskCtx)
		if err != nil {
			t.SetException(err)
			return
		}
		t.SetResult(nil)
	}()
	return t
}

// Cancel requests the task's context be cancelled; fn observes this via
// ctx.Done() and is responsible for returning promptly.
func (t *Task) Cancel() { t.cancel() }
