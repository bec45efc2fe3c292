/**
 * Copyright (c) 2019, The Artemis Authors.
 *
 * Permission to use, copy, modify, and/or distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package actorpool

import (
	"context"
	"runtime/pprof"

	"github.com/rs/zerolog"
)

// Task represents a unit of work submitted for a given actor. Run may
// observe ctx to cooperate with ShutdownNow's interrupt signal, but is not
// required to; the pool carries on regardless of whether it does.
//
// The core treats Task as fire-and-forget: there is no result plumbing. A
// submitter that needs a result should have its Task close over a channel
// or callback of its own.
type Task interface {
	Run(ctx context.Context)
}

// TaskFunc is an adapter to allow ordinary functions to be used as a Task.
type TaskFunc func(ctx context.Context)

var _ Task = (TaskFunc)(nil)

// Run implements Task. It calls f(ctx).
func (f TaskFunc) Run(ctx context.Context) {
	f(ctx)
}

// ThreadFactory creates the goroutine a Worker runs on. It is the Go
// analogue of the spec's "newThread(runnable) -> handle" collaborator:
// name/daemon policy is opaque to the dispatcher.
type ThreadFactory interface {
	// Start launches run on a new goroutine. name identifies the worker,
	// e.g. for profiler labels or logging; it carries no semantics the
	// dispatcher depends on.
	Start(name string, run func())
}

// ThreadFactoryFunc adapts a function to ThreadFactory.
type ThreadFactoryFunc func(name string, run func())

var _ ThreadFactory = (ThreadFactoryFunc)(nil)

// Start implements ThreadFactory.
func (f ThreadFactoryFunc) Start(name string, run func()) {
	f(name, run)
}

// defaultThreadFactory spawns a plain goroutine, attaching a pprof label
// carrying the worker's name so profiles and goroutine dumps can identify
// which logical worker a stack belongs to. Go gives library code no
// "thread object" to name or to mark as a daemon, so runtime/pprof labels
// are the idiomatic stand-in.
type defaultThreadFactory struct{}

func (defaultThreadFactory) Start(name string, run func()) {
	go pprof.Do(context.Background(), pprof.Labels("actorpool.worker", name), func(context.Context) {
		run()
	})
}

// PanicHandler is invoked when a Task.Run panics. The pool recovers the
// panic, routes it here, and continues running — a task failure never
// taints the actor or the worker that ran it. This is the Go realization
// of the spec's "uncaught exception handler" collaborator.
type PanicHandler func(actor interface{}, task Task, recovered interface{}, stack []byte)

// newDefaultPanicHandler returns a PanicHandler that logs via the given
// zerolog.Logger, matching how github.com/rs/zerolog is used as the
// logging backend elsewhere in the retrieved corpus (see
// go-utilpkg/logiface-zerolog, which wraps zerolog.Logger/zerolog.Event the
// same way).
func newDefaultPanicHandler(logger zerolog.Logger) PanicHandler {
	return func(actor interface{}, task Task, recovered interface{}, stack []byte) {
		logger.Error().
			Interface("actor", actor).
			Interface("panic", recovered).
			Bytes("stack", stack).
			Msg("actorpool: task panicked")
	}
}
