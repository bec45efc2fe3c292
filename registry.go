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

import "sync"

// actorRegistry maps an actor key to its live actorQueue. It is a thin,
// typed wrapper over sync.Map: the corpus has no third-party concurrent
// map, and sync.Map.CompareAndDelete (Go 1.20+) is the literal
// compare-and-remove primitive the registry needs to retire a drained
// queue without racing a concurrent Submit that just recreated it. This is
// one of the few places this package falls back to the standard library
// rather than an ecosystem dependency; see DESIGN.md.
type actorRegistry[K comparable] struct {
	m sync.Map
}

func (r *actorRegistry[K]) loadOrStore(key K, aq *actorQueue[K]) (actual *actorQueue[K], loaded bool) {
	v, loaded := r.m.LoadOrStore(key, aq)
	return v.(*actorQueue[K]), loaded
}

func (r *actorRegistry[K]) compareAndDelete(key K, aq *actorQueue[K]) bool {
	return r.m.CompareAndDelete(key, aq)
}

// count is best-effort, used for telemetry (ActorCount) and as a sizing
// hint when assignActor decides whether to start an auxiliary worker,
// never for a correctness decision.
func (r *actorRegistry[K]) count() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
