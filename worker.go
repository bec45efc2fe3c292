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
	"sync"
	"sync/atomic"
)

// Packed layout of a worker's 64-bit word:
//
//	bit  63      reserved (always 0)
//	bits 62-34   stamp (29 bits, bumped on every notification)
//	bits 33-32   park state (2 bits: unparked-idle, parked, woken)
//	bits 31-0    index into the dispatcher's worker array
//
// index == workerRetiredIndex marks a nullified (retired) worker: it may
// no longer have actors or tasks attached.
const (
	workerIndexMask  uint64 = 0xFFFFFFFF
	workerParkShift         = 32
	workerParkMask   uint64 = 0x3 << workerParkShift
	workerStampShift        = 34
	workerStampMask  uint64 = 0x1FFFFFFF << workerStampShift

	workerRetiredIndex uint32 = 0xFFFFFFFF
)

type parkState uint8

const (
	parkUnparkedIdle parkState = iota
	parkParked
	parkWoken
)

func packWorkerWord(index uint32, park parkState, stamp uint32) uint64 {
	return uint64(index) |
		(uint64(park)<<workerParkShift)&workerParkMask |
		(uint64(stamp)<<workerStampShift)&workerStampMask
}

func workerWordIndex(w uint64) uint32 { return uint32(w & workerIndexMask) }
func workerWordPark(w uint64) parkState {
	return parkState((w & workerParkMask) >> workerParkShift)
}
func workerWordStamp(w uint64) uint32 {
	return uint32((w & workerStampMask) >> workerStampShift)
}

// worker is a managed goroutine with a local deque of actor queues,
// described in SPEC_FULL.md §3. Besides this worker, assignActor (which
// appends newly assigned actors), shedWorker and stealers (which scan from
// the tail and splice a ready actor out) change the deque, always under
// the deque's own mutex.
type worker[K comparable] struct {
	dispatcher *Dispatcher[K]
	name       string

	word atomic.Uint64 // index / park state / notification stamp
	wake chan struct{} // capacity 1: the park/unpark signal

	ctx    context.Context
	cancel context.CancelFunc

	dequeMu sync.Mutex
	deque   []*actorQueue[K]
}

func newWorker[K comparable](d *Dispatcher[K], name string, index uint32) *worker[K] {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker[K]{
		dispatcher: d,
		name:       name,
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	w.word.Store(packWorkerWord(index, parkUnparkedIdle, 0))
	return w
}

func (w *worker[K]) arrayIndex() uint32 {
	return workerWordIndex(w.word.Load())
}

// setArrayIndex is called under the dispatcher's structural lock when a
// swap-remove during retirement relocates this worker.
func (w *worker[K]) setArrayIndex(index uint32) {
	for {
		old := w.word.Load()
		next := (old &^ workerIndexMask) | uint64(index)
		if w.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// nullify marks the worker retired: no further tasks/actors may attach.
func (w *worker[K]) nullify() {
	for {
		old := w.word.Load()
		next := (old &^ workerIndexMask) | uint64(workerRetiredIndex)
		if w.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// tryNotify bumps the notification stamp and wakes this worker if it is
// parked. A worker that is not parked gets no signal; it sees new work, a
// shutdown or a lowered maximum through the checks findActor makes after
// marking itself parked. Nothing in the package compares the stamp.
// It returns false if the worker has already retired, signalling the
// caller to retry assignment elsewhere.
func (w *worker[K]) tryNotify() bool {
	for {
		old := w.word.Load()
		if workerWordIndex(old) == workerRetiredIndex {
			return false
		}
		stamp := (workerWordStamp(old) + 1) & 0x1FFFFFFF
		park := workerWordPark(old)
		newPark := park
		if park == parkParked {
			newPark = parkWoken
		}
		next := packWorkerWord(workerWordIndex(old), newPark, stamp)
		if w.word.CompareAndSwap(old, next) {
			if park == parkParked {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
			return true
		}
	}
}

// beginPark transitions unparked-idle -> parked. It returns false without
// changing state if a notification is already pending (park == woken),
// telling the caller not to actually sleep.
func (w *worker[K]) beginPark() bool {
	for {
		old := w.word.Load()
		if workerWordPark(old) != parkUnparkedIdle {
			return false
		}
		next := packWorkerWord(workerWordIndex(old), parkParked, workerWordStamp(old))
		if w.word.CompareAndSwap(old, next) {
			return true
		}
	}
}

// clearParked transitions parked/woken back to unparked-idle and reports
// whether a notification had arrived (park == woken) in the interim.
func (w *worker[K]) clearParked() (wasWoken bool) {
	for {
		old := w.word.Load()
		wasWoken = workerWordPark(old) == parkWoken
		next := packWorkerWord(workerWordIndex(old), parkUnparkedIdle, workerWordStamp(old))
		if w.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// pushTail appends an actor queue to this worker's local deque. Used both
// for fresh assignment and for the stealer's half of a steal handoff.
func (w *worker[K]) pushTail(aq *actorQueue[K]) {
	w.dequeMu.Lock()
	w.deque = append(w.deque, aq)
	w.dequeMu.Unlock()
}

// removeQueue drops aq from the local deque if present, used when
// assignment to this worker fails after the append already happened.
func (w *worker[K]) removeQueue(aq *actorQueue[K]) {
	w.dequeMu.Lock()
	for i, e := range w.deque {
		if e == aq {
			w.deque = append(w.deque[:i], w.deque[i+1:]...)
			break
		}
	}
	w.dequeMu.Unlock()
}

func (w *worker[K]) removeAtLocked(i int) {
	w.deque = append(w.deque[:i], w.deque[i+1:]...)
}

// doFindActor is the local find of SPEC_FULL.md §4.3: scan head to tail,
// drop drained actors, rotate the first ready one to the tail and return
// it (and, as a side effect of nextTask, its first task is already
// reserved for this worker).
func (w *worker[K]) doFindActor() (*actorQueue[K], bool) {
	w.dequeMu.Lock()
	defer w.dequeMu.Unlock()

	for i := 0; i < len(w.deque); i++ {
		aq := w.deque[i]
		_, status := aq.nextTask()
		switch status {
		case statusTaskFound:
			w.removeAtLocked(i)
			w.deque = append(w.deque, aq)
			return aq, true
		case statusNoTask:
			w.removeAtLocked(i)
			i--
		case statusNotReady:
			// leave it for a later pass
		}
	}
	return nil, false
}

// tryStealActor is the peer side of stealing: scan this worker's deque
// from the tail, pruning drained actors, handing the first ready one to
// stealer.
func (w *worker[K]) tryStealActor(stealer *worker[K]) (*actorQueue[K], bool) {
	w.dequeMu.Lock()

	for i := len(w.deque) - 1; i >= 0; i-- {
		aq := w.deque[i]
		_, status := aq.nextTask()
		switch status {
		case statusNoTask:
			w.removeAtLocked(i)
		case statusTaskFound:
			w.removeAtLocked(i)
			w.dequeMu.Unlock()

			stealer.pushTail(aq)
			aq.setWorkerDirect(stealer)
			w.dispatcher.metrics.stealCount.Add(1)
			return aq, true
		case statusNotReady:
			// skip, keep scanning toward the head
		}
	}

	w.dequeMu.Unlock()
	return nil, false
}

// tryStealFromOtherWorker implements the stealing scan of SPEC_FULL.md
// §4.3: start just after this worker in the array, wrap, validate the
// pool structural stamp before and after, and restart on interference.
func (w *worker[K]) tryStealFromOtherWorker() (*actorQueue[K], bool) {
	d := w.dispatcher

	for attempt := 0; attempt < 4; attempt++ {
		before := d.pool.load()
		workers := d.snapshotWorkers()
		n := len(workers)
		if n <= 1 {
			return nil, false
		}

		self := w.arrayIndex()
		for i := 1; i < n; i++ {
			idx := (int(self) + i) % n
			peer := workers[idx]
			if peer == w {
				continue
			}
			if aq, ok := peer.tryStealActor(w); ok {
				return aq, true
			}
		}

		after := d.pool.load()
		if poolStateStamp(before) == poolStateStamp(after) && !poolStateStampWriting(after) {
			return nil, false
		}
		// the worker array changed mid-scan; restart.
	}

	return nil, false
}

// findActor implements the park/unpark double-search protocol of
// SPEC_FULL.md §4.4: local find and steal, mark parked, local find and
// steal once more, re-check for shutdown or an over-maximum pool, and only
// then actually sleep. The unconditional wake-one-other-worker
// after finding work post-park-mark is a deliberate safety net (see §9)
// and must not be removed.
func (w *worker[K]) findActor() (*actorQueue[K], bool) {
	if aq, ok := w.doFindActor(); ok {
		return aq, true
	}
	if aq, ok := w.tryStealFromOtherWorker(); ok {
		return aq, true
	}

	if !w.beginPark() {
		// A notification was already pending; consume it and look once
		// more before looping back to the caller.
		w.clearParked()
		if aq, ok := w.doFindActor(); ok {
			return aq, true
		}
		if aq, ok := w.tryStealFromOtherWorker(); ok {
			return aq, true
		}
		return nil, false
	}

	if aq, ok := w.doFindActor(); ok {
		w.clearParked()
		w.dispatcher.wakeOneOtherWorker(w)
		return aq, true
	}
	if aq, ok := w.tryStealFromOtherWorker(); ok {
		w.clearParked()
		w.dispatcher.wakeOneOtherWorker(w)
		return aq, true
	}

	// Shutdown and SetMaximumPoolSize notify every worker, but one that was
	// busy at the time got no wake signal; now that the park bit is set,
	// check both before sleeping so the caller's idle check can act.
	if w.dispatcher.IsShutdown() || w.dispatcher.shouldShed() {
		w.clearParked()
		return nil, false
	}

	w.sleep()
	w.clearParked()
	return nil, false
}

// sleep blocks until tryNotify wakes this worker, or — for a worker the
// dispatcher considers redundant (current count over core size) — until
// the keep-alive timer expires.
func (w *worker[K]) sleep() {
	d := w.dispatcher
	current := poolStateWorkerCount(d.pool.load())
	_, core := d.limits.load()

	if current <= core {
		<-w.wake
		return
	}

	timeout := d.getKeepAliveTime()
	timer := d.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case <-w.wake:
	case <-timer.C:
	}
}

// runBatch runs a bounded run of tasks for aq, per the batch policy of
// SPEC_FULL.md §4.2, checking between tasks whether this worker has
// become redundant (over maximum) and should shed its actors and retire.
// It returns true if the worker retired and its run loop must exit.
func (w *worker[K]) runBatch(aq *actorQueue[K]) (retired bool) {
	d := w.dispatcher
	d.metrics.activeCount.Add(1)
	defer d.metrics.activeCount.Add(-1)

	start := d.clock.Now()
	ran := uint32(0)

	for {
		aq.runTask(w.ctx)
		ran++

		if ran >= d.maxBatchSize {
			break
		}
		if d.maxBatchDuration > 0 && d.clock.Now().Sub(start) >= d.maxBatchDuration {
			break
		}
		if d.shouldShed() {
			d.shedWorker(w)
			return true
		}

		_, status := aq.nextTask()
		if status != statusTaskFound {
			if status == statusNoTask {
				w.removeQueue(aq)
			}
			break
		}
	}

	d.metrics.batchCount.Add(1)
	return false
}

// run is the worker's outer loop (SPEC_FULL.md §4.2).
func (w *worker[K]) run(first *actorQueue[K]) {
	if first != nil {
		// runBatch starts with runTask, which runs only a task reserved
		// by nextTask; startWorker wires first in without reserving one.
		if _, status := first.nextTask(); status == statusTaskFound {
			if w.runBatch(first) {
				return
			}
		}
	}

	for {
		aq, found := w.findActor()
		if found {
			if w.runBatch(aq) {
				return
			}
			continue
		}

		if w.dispatcher.onWorkerIdle(w) {
			return
		}
	}
}

// interrupt marks this worker's task context cancelled exactly once, the
// Go analogue of "interrupt every worker thread" in shutdownNow. A Task
// that accepts a context may observe it; one that doesn't simply runs to
// completion, as the spec allows.
func (w *worker[K]) interrupt() {
	w.cancel()
}
