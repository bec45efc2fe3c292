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
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Dispatcher is an actor-keyed thread pool. The zero value is not usable;
// construct one with NewDispatcher. A Dispatcher is safe for concurrent
// use by multiple goroutines.
type Dispatcher[K comparable] struct {
	pool    *poolSynchronizer
	limits  *sizeLimits
	workers []*worker[K] // guarded by pool's structural lock

	registry actorRegistry[K]

	keepAlive        atomic.Int64 // time.Duration, nanoseconds
	maxBatchSize     uint32
	maxBatchDuration time.Duration

	clock         clock.Clock
	threadFactory ThreadFactory
	panicHandler  PanicHandler
	logger        zerolog.Logger

	metrics dispatcherMetrics

	workerSeq atomic.Uint64

	terminationMu      sync.Mutex
	terminationWaiters []chan struct{}
}

// NewDispatcher constructs a Dispatcher from cfg, prestarting
// cfg.CorePoolSize workers. K is the actor key type; any comparable type
// works (string actor IDs, integer shard numbers, struct keys), the same
// way a map key would.
func NewDispatcher[K comparable](cfg Config) (*Dispatcher[K], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher[K]{
		pool:             newPoolSynchronizer(),
		limits:           &sizeLimits{},
		maxBatchSize:     cfg.MaxBatchSize,
		maxBatchDuration: cfg.MaxBatchDuration,
		clock:            cfg.Clock,
		threadFactory:    cfg.ThreadFactory,
		panicHandler:     cfg.PanicHandler,
		logger:           cfg.Logger,
	}
	d.limits.store(cfg.MaximumPoolSize, cfg.CorePoolSize)
	d.keepAlive.Store(int64(cfg.KeepAliveTime))

	for i := uint32(0); i < cfg.CorePoolSize; i++ {
		if d.startWorker(nil) == nil {
			break
		}
	}

	return d, nil
}

func actorHash[K comparable](key K) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", key)
	return h.Sum64()
}

// Submit enqueues task for key, creating that actor's queue if this is its
// first task. It returns ErrRejected if the dispatcher has already begun
// shutting down.
func (d *Dispatcher[K]) Submit(key K, task Task) error {
	for {
		if poolStateLifecycle(d.pool.load()) != lifecycleRunning {
			return ErrRejected
		}

		candidate := newActorQueue[K](d, key)
		aq, loaded := d.registry.loadOrStore(key, candidate)

		handle, err := aq.add(task)
		if err != nil {
			if loaded {
				// The existing queue raced us into removed (it drained
				// and unlinked itself between our Load and our add); a
				// fresh queue for the same key will win the next round.
				continue
			}
			return err
		}

		// Shutdown began after the check above: withdraw the task if no
		// worker has claimed it yet, otherwise it is already accepted.
		if poolStateLifecycle(d.pool.load()) != lifecycleRunning && aq.remove(handle) == nil {
			return ErrRejected
		}

		d.metrics.taskCount.Add(1)

		if !loaded {
			d.assignActor(aq, nil)
		} else if w := aq.currentWorker(); w != nil {
			w.tryNotify()
		}
		// Between assignments (a steal or a shed is in flight): the worker
		// that next claims this actor will see the task on its own scan.

		return nil
	}
}

// assignActor gives aq to a worker for the first time, or reassigns it
// after a shed. prevOwner is the worker aq's CAS must match against (nil
// for a brand-new actor).
func (d *Dispatcher[K]) assignActor(aq *actorQueue[K], prevOwner *worker[K]) {
	for {
		workers := d.snapshotWorkers()
		n := len(workers)
		maxSize, core := d.limits.load()

		if uint32(n) < core || n == 0 {
			if d.startWorker(aq) != nil {
				return
			}
			workers = d.snapshotWorkers()
			n = len(workers)
			if n == 0 {
				continue
			}
		} else if uint32(n) < maxSize && d.registry.count() > n {
			// Core is full but more actors are live than there are
			// workers to hold them: start an auxiliary worker up to
			// MaximumPoolSize rather than piling actors onto the core
			// subset. The new worker is not hashed into directly (see
			// the core-subset hash below) and reaches actors only via
			// stealing.
			if d.startWorker(nil) != nil {
				workers = d.snapshotWorkers()
				n = len(workers)
			}
		}

		// Hash across the core-pool subset, not every live worker, so a
		// transient auxiliary worker never becomes an actor's permanent
		// home: it keeps cache-affinity stable and lets auxiliary
		// workers drain the backlog solely by stealing.
		coreN := n
		if core > 0 && int(core) < n {
			coreN = int(core)
		}
		idx := actorHash(aq.key) % uint64(coreN)
		target := workers[idx]

		if !aq.casWorker(prevOwner, target) {
			return
		}
		target.pushTail(aq)

		if !target.tryNotify() {
			// target retired between the snapshot and the notify; undo
			// and retry against a fresh snapshot.
			target.removeQueue(aq)
			aq.casWorker(target, prevOwner)
			continue
		}
		return
	}
}

// snapshotWorkers returns a shallow copy of the live worker slice. Taking
// the structural lock for the copy avoids racing the append/swap-remove
// that grow and retirement perform under it.
func (d *Dispatcher[K]) snapshotWorkers() []*worker[K] {
	d.pool.lock()
	out := make([]*worker[K], len(d.workers))
	copy(out, d.workers)
	d.pool.unlock()
	return out
}

// startWorker grows the pool by one, refusing if the dispatcher is not
// running or is already at MaximumPoolSize. If initial is non-nil it is
// wired as the new worker's first actor. It returns nil without starting
// anything if the pool could not grow.
func (d *Dispatcher[K]) startWorker(initial *actorQueue[K]) *worker[K] {
	for {
		s := d.pool.load()
		if poolStateLifecycle(s) != lifecycleRunning {
			return nil
		}
		count := poolStateWorkerCount(s)
		maxSize, _ := d.limits.load()
		if count >= maxSize {
			return nil
		}
		if d.pool.casIncWorkerCount(s) {
			break
		}
	}

	d.pool.lock()
	d.pool.beginStructuralChange()
	idx := uint32(len(d.workers))
	name := fmt.Sprintf("actorpool-worker-%d", d.workerSeq.Add(1))
	w := newWorker[K](d, name, idx)
	d.workers = append(d.workers, w)
	d.pool.endStructuralChange()
	d.pool.unlock()

	d.metrics.recordPoolSize(poolStateWorkerCount(d.pool.load()))

	if initial != nil {
		initial.setWorkerDirect(w)
		w.pushTail(initial)
	}

	d.threadFactory.Start(name, func() { w.run(initial) })
	return w
}

// wakeOneOtherWorker is the unconditional safety net described in
// SPEC_FULL.md §9: after a worker finds work following a parked
// transition, it wakes one peer regardless of whether its own wake was a
// genuine notification, because a second task may have arrived for a
// third worker while this one was mid-park.
func (d *Dispatcher[K]) wakeOneOtherWorker(self *worker[K]) {
	for _, w := range d.snapshotWorkers() {
		if w == self {
			continue
		}
		if w.tryNotify() {
			return
		}
	}
}

func (d *Dispatcher[K]) getKeepAliveTime() time.Duration {
	return time.Duration(d.keepAlive.Load())
}

func (d *Dispatcher[K]) shouldShed() bool {
	maxSize, _ := d.limits.load()
	return poolStateWorkerCount(d.pool.load()) > maxSize
}

// shedWorker retires w because the pool is over MaximumPoolSize, handing
// its still-held actors back to assignActor so they land on a surviving
// worker.
func (d *Dispatcher[K]) shedWorker(w *worker[K]) {
	w.dequeMu.Lock()
	actors := w.deque
	w.deque = nil
	w.dequeMu.Unlock()

	d.retireWorker(w)

	for _, aq := range actors {
		aq.setWorkerDirect(nil)
		d.assignActor(aq, nil)
	}
}

// onWorkerIdle is called by a worker's run loop after findActor reports no
// work. It returns true if the worker must exit (it retired).
func (d *Dispatcher[K]) onWorkerIdle(w *worker[K]) bool {
	if poolStateLifecycle(d.pool.load()) != lifecycleRunning {
		d.retireWorker(w)
		return true
	}
	if d.shouldShed() {
		d.shedWorker(w)
		return true
	}
	return false
}

// retireWorker removes w from the worker array (swap-remove under the
// structural lock) and decrements the live worker count.
func (d *Dispatcher[K]) retireWorker(w *worker[K]) {
	d.pool.lock()
	d.pool.beginStructuralChange()

	idx := int(w.arrayIndex())
	if idx < len(d.workers) {
		n := len(d.workers)
		last := d.workers[n-1]
		d.workers[idx] = last
		d.workers = d.workers[:n-1]
		if last != w {
			last.setArrayIndex(uint32(idx))
		}
	}
	w.nullify()

	d.pool.endStructuralChange()
	for {
		cur := d.pool.load()
		if d.pool.casDecWorkerCount(cur) {
			break
		}
	}
	d.pool.unlock()

	d.tryTerminate()
}

// tryTerminate transitions terminating -> terminated once the last worker
// has retired, and releases every AwaitTermination waiter.
func (d *Dispatcher[K]) tryTerminate() {
	s := d.pool.load()
	lc := poolStateLifecycle(s)
	if lc == lifecycleRunning || lc == lifecycleTerminated {
		return
	}
	if poolStateWorkerCount(s) > 0 {
		return
	}

	d.pool.setLifecycle(lifecycleTerminated)

	d.terminationMu.Lock()
	waiters := d.terminationWaiters
	d.terminationWaiters = nil
	d.terminationMu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Shutdown stops accepting tasks: from then on Submit returns ErrRejected,
// for new and existing actors alike, and no new workers are started.
// Running and already queued tasks run to completion. Workers retire as
// their local deques drain. It does not block; use AwaitTermination to
// wait.
func (d *Dispatcher[K]) Shutdown() {
	d.pool.setLifecycle(lifecycleTerminating)
	for _, w := range d.snapshotWorkers() {
		w.tryNotify()
	}
	d.tryTerminate()
}

// ShutdownNow additionally drains every actor's pending (not yet started)
// tasks, returning them to the caller, and interrupts every worker's task
// context. A task already running is not aborted: Go has no safe
// preemption primitive for arbitrary user code, so a Task that wants to
// cooperate with ShutdownNow must watch ctx.Done() itself.
func (d *Dispatcher[K]) ShutdownNow() []Task {
	d.pool.setLifecycle(lifecycleTerminating)

	var drained []Task
	d.pool.lock()
	d.registry.m.Range(func(_, v any) bool {
		aq := v.(*actorQueue[K])
		drained = append(drained, aq.drain()...)
		return true
	})
	d.pool.unlock()

	for _, w := range d.snapshotWorkers() {
		w.interrupt()
		w.tryNotify()
	}

	d.tryTerminate()
	return drained
}

// AwaitTermination blocks until every worker has retired or timeout
// elapses (a non-positive timeout waits indefinitely), returning whether
// termination was observed.
func (d *Dispatcher[K]) AwaitTermination(timeout time.Duration) bool {
	if poolStateLifecycle(d.pool.load()) == lifecycleTerminated {
		return true
	}

	ch := make(chan struct{})
	d.terminationMu.Lock()
	if poolStateLifecycle(d.pool.load()) == lifecycleTerminated {
		d.terminationMu.Unlock()
		return true
	}
	d.terminationWaiters = append(d.terminationWaiters, ch)
	d.terminationMu.Unlock()

	if timeout <= 0 {
		<-ch
		return true
	}

	timer := d.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// IsShutdown reports whether Shutdown or ShutdownNow has been called.
func (d *Dispatcher[K]) IsShutdown() bool {
	return poolStateLifecycle(d.pool.load()) != lifecycleRunning
}

// IsTerminating reports whether shutdown has begun but workers are still
// draining.
func (d *Dispatcher[K]) IsTerminating() bool {
	return poolStateLifecycle(d.pool.load()) == lifecycleTerminating
}

// IsTerminated reports whether every worker has retired.
func (d *Dispatcher[K]) IsTerminated() bool {
	return poolStateLifecycle(d.pool.load()) == lifecycleTerminated
}

// GetCorePoolSize returns the number of workers kept alive while idle.
func (d *Dispatcher[K]) GetCorePoolSize() uint32 {
	_, core := d.limits.load()
	return core
}

// SetCorePoolSize changes the core pool size, prestarting workers
// immediately if it increases while the dispatcher is running.
func (d *Dispatcher[K]) SetCorePoolSize(n uint32) error {
	var verr error
	d.limits.update(func(maxSize, coreSize uint32) (uint32, uint32) {
		if n > maxSize {
			verr = fmt.Errorf("%w: CorePoolSize (%d) exceeds MaximumPoolSize (%d)", ErrInvalidConfig, n, maxSize)
			return maxSize, coreSize
		}
		return maxSize, n
	})
	if verr != nil {
		return verr
	}

	if poolStateLifecycle(d.pool.load()) == lifecycleRunning {
		for uint32(len(d.snapshotWorkers())) < n {
			if d.startWorker(nil) == nil {
				break
			}
		}
	}
	return nil
}

// GetMaximumPoolSize returns the hard ceiling on live workers.
func (d *Dispatcher[K]) GetMaximumPoolSize() uint32 {
	maxSize, _ := d.limits.load()
	return maxSize
}

// SetMaximumPoolSize changes the ceiling, waking every worker so any now
// redundant worker notices and sheds on its next idle check.
func (d *Dispatcher[K]) SetMaximumPoolSize(n uint32) error {
	if n == 0 {
		return fmt.Errorf("%w: MaximumPoolSize must be > 0", ErrInvalidConfig)
	}

	var verr error
	d.limits.update(func(maxSize, coreSize uint32) (uint32, uint32) {
		if n < coreSize {
			verr = fmt.Errorf("%w: MaximumPoolSize (%d) below CorePoolSize (%d)", ErrInvalidConfig, n, coreSize)
			return maxSize, coreSize
		}
		return n, coreSize
	})
	if verr != nil {
		return verr
	}

	for _, w := range d.snapshotWorkers() {
		w.tryNotify()
	}
	return nil
}

// GetKeepAliveTime returns how long an over-core worker may idle before
// retiring.
func (d *Dispatcher[K]) GetKeepAliveTime() time.Duration {
	return d.getKeepAliveTime()
}

// SetKeepAliveTime changes the idle-retirement timeout.
func (d *Dispatcher[K]) SetKeepAliveTime(timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("%w: KeepAliveTime must be >= 0", ErrInvalidConfig)
	}
	d.keepAlive.Store(int64(timeout))
	return nil
}

// GetMaxBatchSize returns the per-actor batch size bound.
func (d *Dispatcher[K]) GetMaxBatchSize() uint32 { return d.maxBatchSize }

// GetMaxBatchDuration returns the per-actor batch duration bound (zero
// means unbounded).
func (d *Dispatcher[K]) GetMaxBatchDuration() time.Duration { return d.maxBatchDuration }
