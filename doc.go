// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ioruntime implements the I/O core of a single-threaded cooperative
// async runtime: transports, an SSL transport interposer, a generator-style
// incremental protocol reader re-expressed as an explicit state machine, and
// a three-pipe subprocess multiplexer.
//
// Everything in this package assumes it is driven by exactly one goroutine
// per Loop (the "event loop thread"): protocol callbacks, transport
// callbacks, reader steps and payload-stream transitions are never called
// concurrently for a given connection. The reader's chunk deque is
// unlocked; PayloadStream, Future, the transports and Subprocess guard
// their state with a sync.Mutex because consumers, tasks and helper
// goroutines touch it from outside the Loop goroutine. Helper goroutines are
// spawned inside the SSL pipe and SSL transport (to run crypto/tls against
// an in-memory pipe standing in for a memory BIO), by CreateTask, by
// Subprocess (to wait for the child and to run Communicate's helpers), and
// for RunInExecutor.
//
// ioruntime does not parse HTTP, manipulate URLs, resolve DNS, speak to
// proxies, or compress anything: those are layered above this core by
// design.
package ioruntime
