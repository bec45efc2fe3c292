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

// Package actorpool implements an actor-keyed thread pool: tasks submitted
// under the same key always run one at a time and in submission order,
// while unrelated keys run across a small, elastic pool of goroutines that
// steal work from each other to stay busy.
//
// A Dispatcher owns a registry of actor queues, one per distinct key seen
// so far, and a worker array sized between CorePoolSize and
// MaximumPoolSize. An actor is pinned to whichever worker it was first
// assigned to (for cache affinity: the actor's closed-over state tends to
// stay warm in that worker's CPU cache), unless another worker falls idle
// and steals the actor away. Workers batch several of an actor's
// queued tasks together before yielding it back to their local deque, and
// park when they run out of work, waking on a new task or on another
// worker's stealing scan.
//
// The pool generalizes the bit-packed, CAS-synchronized pooled executor
// this package descends from: the same compare-and-swap state words now
// coordinate per-key sequencing and per-worker park/unpark instead of a
// single shared task queue.
package actorpool
