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

import "sync/atomic"

// dispatcherMetrics are plain atomic counters, exposed through Dispatcher's
// getters. The pack's only metrics client library (prometheus/client_golang)
// appears solely as a transitive dependency nowhere actually registered or
// scraped in any retrieved repo, so there is no grounded usage pattern to
// imitate; wiring it in here would be invention, not adaptation. See
// DESIGN.md for the full rationale.
type dispatcherMetrics struct {
	taskCount          atomic.Uint64
	completedTaskCount atomic.Uint64
	batchCount         atomic.Uint64
	stealCount         atomic.Uint64
	activeCount        atomic.Int64
	largestPoolSize    atomic.Uint32
}

func (m *dispatcherMetrics) recordPoolSize(current uint32) {
	for {
		largest := m.largestPoolSize.Load()
		if current <= largest {
			return
		}
		if m.largestPoolSize.CompareAndSwap(largest, current) {
			return
		}
	}
}

// TaskCount is the total number of tasks ever accepted by Submit.
func (d *Dispatcher[K]) TaskCount() uint64 { return d.metrics.taskCount.Load() }

// CompletedTaskCount is the number of tasks that have finished running
// (including those whose Run panicked and was recovered).
func (d *Dispatcher[K]) CompletedTaskCount() uint64 { return d.metrics.completedTaskCount.Load() }

// BatchCount is the number of worker batches run; invariant 7 in
// SPEC_FULL.md relates this to CompletedTaskCount and MaxBatchSize.
func (d *Dispatcher[K]) BatchCount() uint64 { return d.metrics.batchCount.Load() }

// StealCount is the number of actor queues handed from one worker to
// another by the work-stealing scan.
func (d *Dispatcher[K]) StealCount() uint64 { return d.metrics.stealCount.Load() }

// ActiveCount is a best-effort snapshot of how many workers are currently
// mid-batch. Per SPEC_FULL.md §9 it is intentionally not asserted against
// PoolSize: it can transiently read equal to or even exceed a stale pool
// size view, and that is not a bug.
func (d *Dispatcher[K]) ActiveCount() int64 { return d.metrics.activeCount.Load() }

// LargestPoolSize is a high-water mark of PoolSize.
func (d *Dispatcher[K]) LargestPoolSize() uint32 { return d.metrics.largestPoolSize.Load() }

// ActorCount is a best-effort count of actors with live state (queued
// tasks, a running task, or both) in the registry.
func (d *Dispatcher[K]) ActorCount() int { return d.registry.count() }

// PoolSize is the current number of live workers.
func (d *Dispatcher[K]) PoolSize() uint32 { return poolStateWorkerCount(d.pool.load()) }

// CurrentPoolSize is an alias for PoolSize matching the metrics table's
// naming.
func (d *Dispatcher[K]) CurrentPoolSize() uint32 { return d.PoolSize() }
