// Package executor provides the single cooperative reactor that the disk
// buffer pool's notification surface and the uTP socket manager share
// (spec §5: "All callbacks... delivered on that executor, never from
// inside a mutator on the caller's stack").
//
// This mirrors the role the original C++ sources give to an
// asio::io_service: disk_buffer_pool and utp_socket_manager are both
// constructed with a reference to one, and post closures to it rather than
// invoking callbacks synchronously while holding a lock.
package executor

import (
	"context"
	"time"

	"github.com/anacrolix/chansync"
)

// Executor runs posted tasks one at a time, in the order they were posted,
// on a single goroutine. It is where diskpool.Pool posts its watermark
// notifications and where utp.Manager posts its tick and callbacks.
type Executor struct {
	tasks  chan func()
	closed chansync.SetOnce
}

// New creates an Executor with the given post queue depth. A depth of 0
// makes Post block until Run has drained the previous task, which is fine
// for tests; production callers should size it to the expected burst of
// watermark wakeups or incoming datagrams.
func New(queueDepth int) *Executor {
	return &Executor{
		tasks: make(chan func(), queueDepth),
	}
}

// Post enqueues fn to run on the executor goroutine. Post never calls fn
// itself, even if called from the executor goroutine, so that callers can
// rely on posted work always happening after the current stack frame
// returns (spec §5's "never invoked synchronously from free").
func (e *Executor) Post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.closed.Done():
	}
}

// Run drains posted tasks until ctx is cancelled or Close is called.
// Callers typically run this in its own goroutine for the lifetime of the
// process.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed.Done():
			return
		case fn := <-e.tasks:
			fn()
		}
	}
}

// Close stops Run and causes any blocked Post calls to return without
// enqueuing. Idempotent.
func (e *Executor) Close() {
	e.closed.Set()
}

// Tick posts fn to the executor every interval until ctx is cancelled,
// driving the uTP manager's periodic tick (spec §4.3.7): timer expiry,
// MTU probing, close-wait linger and deleted-socket garbage collection.
// uTP acks are sent as soon as data arrives, so the tick has no delayed
// acks to flush.
func Tick(ctx context.Context, e *Executor, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed.Done():
			return
		case <-t.C:
			e.Post(fn)
		}
	}
}
