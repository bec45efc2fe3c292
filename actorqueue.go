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
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Packed layout of an actor queue's 32-bit state word:
//
//	bits 31-2   count   (30 bits, pending-not-yet-started task count)
//	bit  1      running (at most one task for this actor runs at a time)
//	bit  0      removed (unlinked from the registry, accepts no more adds)
const (
	actorQueueRunningBit uint32 = 1 << 1
	actorQueueRemovedBit uint32 = 1 << 0
	actorQueueCountShift        = 2
	actorQueueMaxCount   uint32 = (1 << 30) - 1
)

func packActorQueueState(count uint32, running, removed bool) uint32 {
	w := count << actorQueueCountShift
	if running {
		w |= actorQueueRunningBit
	}
	if removed {
		w |= actorQueueRemovedBit
	}
	return w
}

func actorQueueStateCount(w uint32) uint32   { return w >> actorQueueCountShift }
func actorQueueStateRunning(w uint32) bool   { return w&actorQueueRunningBit != 0 }
func actorQueueStateRemoved(w uint32) bool   { return w&actorQueueRemovedBit != 0 }

// taskStatus is the result of actorQueue.nextTask.
type taskStatus int

const (
	statusTaskFound taskStatus = iota
	statusNotReady
	statusNoTask
)

// taskNode is the intrusive link for actorQueueTaskList, adapting the
// teacher's workerPoolTaskQueue node (circular linked list, tail.next is
// head) to a per-actor queue.
type taskNode struct {
	next *taskNode
	task Task
}

// actorQueueTaskList is the mutex-guarded circular linked list backing one
// actor's FIFO. See SPEC_FULL.md §4 for why this stays a short-held mutex
// rather than a fully lock-free MPSC list: it is a direct adaptation of the
// teacher's workerPoolTaskQueue, which needs the same O(n) Remove this
// package's cancellation race requires.
type actorQueueTaskList struct {
	mu   sync.Mutex
	tail *taskNode // tail.next is head; nil means empty
}

// pushBack appends task and returns the node it was stored in, an opaque
// handle remove can later unlink by pointer identity. Task itself is never
// compared with ==: a Task is frequently a TaskFunc (a function value),
// and Go panics at runtime comparing two interface values whose dynamic
// type is a non-comparable function type.
func (l *actorQueueTaskList) pushBack(task Task) *taskNode {
	n := &taskNode{task: task}
	l.mu.Lock()
	if l.tail == nil {
		n.next = n
	} else {
		n.next = l.tail.next
		l.tail.next = n
	}
	l.tail = n
	l.mu.Unlock()
	return n
}

func (l *actorQueueTaskList) popFront() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tail == nil {
		return nil, false
	}
	head := l.tail.next
	if head == l.tail {
		l.tail = nil
	} else {
		l.tail.next = head.next
	}
	head.next = nil
	return head.task, true
}

// remove unlinks the node returned by pushBack, mirroring the teacher's
// workerPoolTaskQueue.Remove traversal (start at head, compare node
// identity against prevNode.next, wrap once).
func (l *actorQueueTaskList) remove(n *taskNode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tail == nil {
		return ErrElementNotFound
	}

	tail := l.tail
	head := tail.next
	prev := head

	for {
		next := prev.next
		if next == n {
			prev.next = next.next
			if next == tail {
				if tail == head {
					l.tail = nil
				} else {
					l.tail = prev
				}
			}
			next.next = nil
			return nil
		}
		prev = next
		if prev == head {
			break
		}
	}

	return ErrElementNotFound
}

// reinsert puts handle's task back at the tail as a fresh node, used when
// a remove loses the race with a consumer that already reserved the slot.
// The original node is already unlinked, so this cannot reuse its
// identity; the caller has already given up on cancelling it anyway.
func (l *actorQueueTaskList) reinsert(handle *taskNode) *taskNode {
	return l.pushBack(handle.task)
}

// drainAll takes a single pass over the whole list in FIFO order and
// empties it, resolving the Open Question §9 flags against the polling
// drain: no polling, no livelock under producer pressure.
func (l *actorQueueTaskList) drainAll() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tail == nil {
		return nil
	}

	head := l.tail.next
	tasks := make([]Task, 0, 8)
	for n := head; ; {
		tasks = append(tasks, n.task)
		next := n.next
		n.next = nil
		if n == l.tail {
			break
		}
		n = next
	}
	l.tail = nil
	return tasks
}

// actorQueue is the per-actor state described in SPEC_FULL.md §3: the task
// FIFO, the packed count/running/removed word, and the pointer to this
// actor's current worker.
type actorQueue[K comparable] struct {
	pool *Dispatcher[K]
	key  K

	state atomic.Uint32
	list  actorQueueTaskList

	// workerPtr is the actor's current owning worker. Transitions go
	// through CAS except the dedicated steal-handoff, which is a plain
	// store (see worker.tryStealActor).
	workerPtr atomic.Pointer[worker[K]]

	// runningTask holds the task dequeued by nextTask until runTask
	// completes it. It is touched only by the single worker goroutine
	// that currently owns this actor's running slot, so it needs no
	// synchronization of its own beyond the happens-before edge the
	// running-bit CAS already provides.
	runningTask Task
}

func newActorQueue[K comparable](pool *Dispatcher[K], key K) *actorQueue[K] {
	return &actorQueue[K]{pool: pool, key: key}
}

// add enqueues task for this actor, returning a handle that remove can
// later use to cancel it before a worker claims it. It fails with
// ErrRejected if the queue has already been removed from the registry or
// is at its 2^30-1 pending capacity.
func (q *actorQueue[K]) add(task Task) (*taskNode, error) {
	for {
		old := q.state.Load()
		if actorQueueStateRemoved(old) {
			return nil, ErrRejected
		}
		count := actorQueueStateCount(old)
		if count >= actorQueueMaxCount {
			return nil, ErrRejected
		}
		next := packActorQueueState(count+1, actorQueueStateRunning(old), false)
		if q.state.CompareAndSwap(old, next) {
			return q.list.pushBack(task), nil
		}
	}
}

// nextTask implements the worker-side protocol of SPEC_FULL.md §4.1: found,
// not-ready (already running), or no-task (drained, and in the last case
// the queue unlinks itself from the registry).
func (q *actorQueue[K]) nextTask() (Task, taskStatus) {
	for {
		old := q.state.Load()

		if actorQueueStateRemoved(old) {
			return nil, statusNoTask
		}
		if actorQueueStateRunning(old) {
			return nil, statusNotReady
		}

		count := actorQueueStateCount(old)
		if count > 0 {
			next := packActorQueueState(count-1, true, false)
			if !q.state.CompareAndSwap(old, next) {
				continue
			}
			// The slot is reserved; the payload may not be linearized into
			// the list yet if a producer is between its count-CAS and its
			// list splice. Spin briefly until it appears.
			for {
				if t, ok := q.list.popFront(); ok {
					q.runningTask = t
					return t, statusTaskFound
				}
				runtime.Gosched()
			}
		}

		// count == 0, not running, not removed: retire this queue.
		next := packActorQueueState(0, false, true)
		if q.state.CompareAndSwap(old, next) {
			q.pool.registry.compareAndDelete(q.key, q)
			return nil, statusNoTask
		}
	}
}

// runTask executes the task reserved by the most recent nextTask call,
// recovering any panic and routing it to the dispatcher's PanicHandler
// rather than letting it take down the worker. On return it clears the
// running bit and counts the task as completed.
func (q *actorQueue[K]) runTask(ctx context.Context) {
	task := q.runningTask
	q.runningTask = nil

	func() {
		defer func() {
			if r := recover(); r != nil {
				q.pool.panicHandler(q.key, task, r, debug.Stack())
			}
		}()
		task.Run(ctx)
	}()

	for {
		old := q.state.Load()
		next := old &^ actorQueueRunningBit
		if q.state.CompareAndSwap(old, next) {
			break
		}
	}

	q.pool.metrics.completedTaskCount.Add(1)
}

// remove is the best-effort cancellation path used by the submission race
// described in §4.6: if the task handle returned by add is still queued it
// is unlinked and count is decremented; if a worker already claimed it
// (count would go negative) the task is handed back to the list and
// ErrElementNotFound is returned.
func (q *actorQueue[K]) remove(handle *taskNode) error {
	if err := q.list.remove(handle); err != nil {
		return err
	}

	for {
		old := q.state.Load()
		count := actorQueueStateCount(old)
		if count == 0 {
			// A consumer already reserved the slot concurrently with our
			// list splice winning; we cannot account for the removal.
			q.list.reinsert(handle)
			return ErrElementNotFound
		}
		removed := count == 1 && !actorQueueStateRunning(old)
		next := packActorQueueState(count-1, actorQueueStateRunning(old), removed)
		if q.state.CompareAndSwap(old, next) {
			if removed {
				q.pool.registry.compareAndDelete(q.key, q)
			}
			return nil
		}
	}
}

// drain unconditionally empties the queue for shutdownNow, in original
// FIFO order, and transitions the queue to removed.
func (q *actorQueue[K]) drain() []Task {
	tasks := q.list.drainAll()

	for {
		old := q.state.Load()
		next := packActorQueueState(0, actorQueueStateRunning(old), true)
		if q.state.CompareAndSwap(old, next) {
			break
		}
	}
	q.pool.registry.compareAndDelete(q.key, q)

	return tasks
}

// currentWorker returns the worker this actor is currently assigned to, or
// nil if it is between assignments.
func (q *actorQueue[K]) currentWorker() *worker[K] {
	return q.workerPtr.Load()
}

// casWorker attempts to transition ownership from prevOwner to w.
func (q *actorQueue[K]) casWorker(prevOwner, w *worker[K]) bool {
	return q.workerPtr.CompareAndSwap(prevOwner, w)
}

// setWorkerDirect is the dedicated steal-handoff write: a plain store, not
// a CAS, since the stealer has already physically unlinked the queue from
// its former owner's deque under that owner's deque lock.
func (q *actorQueue[K]) setWorkerDirect(w *worker[K]) {
	q.workerPtr.Store(w)
}
