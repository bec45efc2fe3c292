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
	"runtime"
	"sync/atomic"
)

// The pool synchronizer is a single 64-bit word combining the lifecycle,
// the worker array's structural mutex, a structural-change stamp and the
// live worker count, so that a reader can snapshot all four with one
// atomic load. Bit layout, high to low:
//
//	bit  63      mutex held
//	bits 62-61   lifecycle (2 bits: running, terminating, terminated)
//	bit  60      stamp-write bit (set while the worker array is mid-mutation)
//	bits 59-32   stamp (28 bits, monotonic modulo)
//	bits 31-0    worker count (32 bits)
const (
	poolMutexBit        uint64 = 1 << 63
	poolLifecycleShift         = 61
	poolLifecycleMask   uint64 = 0x3 << poolLifecycleShift
	poolStampWriteBit   uint64 = 1 << 60
	poolStampShift             = 32
	poolStampMask       uint64 = 0xFFFFFFF << poolStampShift
	poolWorkerCountMask uint64 = 0xFFFFFFFF
)

// lifecycle is the run state of a Dispatcher. States only ever advance
// running -> terminating -> terminated, never reverse.
type lifecycle uint64

const (
	lifecycleRunning lifecycle = iota
	lifecycleTerminating
	lifecycleTerminated
)

func packPoolState(lc lifecycle, stamp uint32, workerCount uint32) uint64 {
	return (uint64(lc) << poolLifecycleShift) |
		(uint64(stamp)<<poolStampShift)&poolStampMask |
		uint64(workerCount)
}

func poolStateLifecycle(s uint64) lifecycle {
	return lifecycle((s & poolLifecycleMask) >> poolLifecycleShift)
}

func poolStateStampWriting(s uint64) bool {
	return s&poolStampWriteBit != 0
}

func poolStateStamp(s uint64) uint32 {
	return uint32((s & poolStampMask) >> poolStampShift)
}

func poolStateWorkerCount(s uint64) uint32 {
	return uint32(s & poolWorkerCountMask)
}

func poolStateLocked(s uint64) bool {
	return s&poolMutexBit != 0
}

// poolSynchronizer is the Dispatcher's lock-free pool word plus the spin
// lock used to serialize worker-array structural changes (grow/retire) and
// shutdownNow's drain pass, per the "single non-reentrant mutex" the
// source dedicates to exactly that.
type poolSynchronizer struct {
	word atomic.Uint64
}

func newPoolSynchronizer() *poolSynchronizer {
	ps := &poolSynchronizer{}
	ps.word.Store(packPoolState(lifecycleRunning, 0, 0))
	return ps
}

func (ps *poolSynchronizer) load() uint64 {
	return ps.word.Load()
}

// lock spins (yielding between attempts) until it sets the mutex bit. It
// never blocks on a channel or a runtime mutex: structural changes are
// expected to be brief, and submitters/workers must never wait on the very
// worker they are trying to wake, per the source's yield-on-retry
// discipline.
func (ps *poolSynchronizer) lock() {
	for {
		s := ps.word.Load()
		if poolStateLocked(s) {
			runtime.Gosched()
			continue
		}
		if ps.word.CompareAndSwap(s, s|poolMutexBit) {
			return
		}
	}
}

func (ps *poolSynchronizer) unlock() {
	for {
		s := ps.word.Load()
		if ps.word.CompareAndSwap(s, s&^poolMutexBit) {
			return
		}
	}
}

// beginStructuralChange must be called with the lock held. It sets the
// stamp-write bit so any concurrent stealer/scanner sees interference and
// restarts, per the source's pool-stamp discipline.
func (ps *poolSynchronizer) beginStructuralChange() {
	for {
		s := ps.word.Load()
		if ps.word.CompareAndSwap(s, s|poolStampWriteBit) {
			return
		}
	}
}

// endStructuralChange clears the stamp-write bit and bumps the stamp,
// invalidating any scan that started before this structural change.
func (ps *poolSynchronizer) endStructuralChange() {
	for {
		s := ps.word.Load()
		stamp := (poolStateStamp(s) + 1) & 0xFFFFFFF
		next := (s &^ (poolStampWriteBit | poolStampMask)) | (uint64(stamp) << poolStampShift)
		if ps.word.CompareAndSwap(s, next) {
			return
		}
	}
}

// casIncWorkerCount increments the worker count with a bare CAS, without
// taking the structural lock — worker-count changes are allowed to race
// with reads the same way the teacher's CompareAndIncWorkerCount does;
// only slice mutation needs the lock.
func (ps *poolSynchronizer) casIncWorkerCount(old uint64) bool {
	return ps.word.CompareAndSwap(old, old+1)
}

func (ps *poolSynchronizer) casDecWorkerCount(old uint64) bool {
	return ps.word.CompareAndSwap(old, old-1)
}

// setLifecycle advances the lifecycle monotonically with a CAS loop,
// refusing to move backwards, mirroring SetRunState in the teacher.
func (ps *poolSynchronizer) setLifecycle(next lifecycle) (prev uint64) {
	for {
		s := ps.word.Load()
		if poolStateLifecycle(s) >= next {
			return s
		}
		newWord := (s &^ poolLifecycleMask) | (uint64(next) << poolLifecycleShift)
		if ps.word.CompareAndSwap(s, newWord) {
			return s
		}
	}
}

// sizeLimits packs MaximumPoolSize (upper 32 bits) and CorePoolSize (lower
// 32 bits) into one word so both bounds are always read/written as a unit.
type sizeLimits struct {
	word atomic.Uint64
}

func packSizeLimits(maxSize, coreSize uint32) uint64 {
	return uint64(maxSize)<<32 | uint64(coreSize)
}

func (sl *sizeLimits) load() (maxSize, coreSize uint32) {
	w := sl.word.Load()
	return uint32(w >> 32), uint32(w)
}

func (sl *sizeLimits) store(maxSize, coreSize uint32) {
	sl.word.Store(packSizeLimits(maxSize, coreSize))
}

// update performs a compare-and-swap of both bounds as a unit, retrying
// the read-modify-write supplied by mutate until it succeeds. mutate
// receives the current (max, core) and returns the desired (max, core).
func (sl *sizeLimits) update(mutate func(maxSize, coreSize uint32) (uint32, uint32)) {
	for {
		old := sl.word.Load()
		maxSize, coreSize := uint32(old>>32), uint32(old)
		newMax, newCore := mutate(maxSize, coreSize)
		newWord := packSizeLimits(newMax, newCore)
		if sl.word.CompareAndSwap(old, newWord) {
			return
		}
	}
}
