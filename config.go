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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Config configures a Dispatcher. The zero value is not usable; build one
// with DefaultConfig and override only the fields that matter, mirroring
// how the teacher's WorkerPoolExecutorConfig is meant to be constructed.
type Config struct {
	// CorePoolSize is the number of workers kept alive even when idle.
	CorePoolSize uint32

	// MaximumPoolSize is the hard ceiling on live workers. Must be >=
	// CorePoolSize.
	MaximumPoolSize uint32

	// KeepAliveTime bounds how long a worker beyond CorePoolSize may sit
	// idle before it retires itself.
	KeepAliveTime time.Duration

	// MaxBatchSize bounds how many tasks a worker runs for one actor
	// before yielding the actor back to the deque tail. Zero is invalid;
	// use 1 to disable batching.
	MaxBatchSize uint32

	// MaxBatchDuration additionally bounds batch running time; zero
	// disables the duration bound (MaxBatchSize still applies).
	MaxBatchDuration time.Duration

	// ThreadFactory launches worker goroutines. Defaults to a plain `go`
	// statement tagged with a pprof label.
	ThreadFactory ThreadFactory

	// PanicHandler is invoked, instead of crashing the worker, when a
	// Task.Run panics. Defaults to logging via Logger.
	PanicHandler PanicHandler

	// Logger is used by the default PanicHandler to log recovered task
	// panics. The pool logs nothing else, such as worker start or stop.
	Logger zerolog.Logger

	// Clock is the source of time for batch-duration and keep-alive
	// deadlines. Defaults to the real wall clock; tests substitute
	// clock.NewMock().
	Clock clock.Clock
}

// DefaultConfig returns a Config with the same defaults the teacher's
// executor assigns when a caller only wants to override pool sizing.
func DefaultConfig() Config {
	return Config{
		CorePoolSize:     1,
		MaximumPoolSize:  1,
		KeepAliveTime:    60 * time.Second,
		MaxBatchSize:     16,
		MaxBatchDuration: 0,
		ThreadFactory:    defaultThreadFactory{},
		Logger:           zerolog.Nop(),
		Clock:            clock.New(),
	}
}

// Validate reports whether c can be used to construct a Dispatcher,
// mirroring the field-by-field checks of the teacher's
// WorkerPoolExecutorConfig.Validate.
func (c *Config) Validate() error {
	if c.MaximumPoolSize == 0 {
		return fmt.Errorf("%w: MaximumPoolSize must be > 0", ErrInvalidConfig)
	}
	if c.CorePoolSize > c.MaximumPoolSize {
		return fmt.Errorf("%w: CorePoolSize (%d) exceeds MaximumPoolSize (%d)", ErrInvalidConfig, c.CorePoolSize, c.MaximumPoolSize)
	}
	if c.KeepAliveTime < 0 {
		return fmt.Errorf("%w: KeepAliveTime must be >= 0", ErrInvalidConfig)
	}
	if c.MaxBatchSize == 0 {
		return fmt.Errorf("%w: MaxBatchSize must be >= 1", ErrInvalidConfig)
	}
	if c.MaxBatchDuration < 0 {
		return fmt.Errorf("%w: MaxBatchDuration must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ThreadFactory == nil {
		out.ThreadFactory = defaultThreadFactory{}
	}
	if out.PanicHandler == nil {
		out.PanicHandler = newDefaultPanicHandler(out.Logger)
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}
