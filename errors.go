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

import "errors"

// Sentinel errors returned by Dispatcher and its collaborators. They are
// plain values, not a wrapping framework, matching the rest of the
// executor family this package descends from.
var (
	// ErrRejected is returned by Submit when the dispatcher has already
	// received a shutdown request, or when an actor's queue cannot accept
	// any more pending tasks (its 30-bit count would overflow).
	ErrRejected = errors.New("actorpool: task rejected")

	// ErrElementNotFound is returned by an actor queue's remove when the
	// task is no longer present (a worker already claimed it).
	ErrElementNotFound = errors.New("actorpool: task not found in actor queue")

	// ErrInvalidConfig wraps constructor/setter validation failures.
	ErrInvalidConfig = errors.New("actorpool: invalid configuration")
)
