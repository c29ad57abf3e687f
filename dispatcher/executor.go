// Package dispatcher provides the single-threaded task executor that the
// INBAC and consensus state machines run on. Every handler (propose,
// message delivery, timer fire) for a given instance is enqueued onto the
// same Executor, which guarantees mutual exclusion without locks -
// mirroring goshawkdb.io/server's dispatcher.Executor as used by
// txnengine.Txn.
package dispatcher

import "sync"

// Executor runs enqueued funcs one at a time, in submission order, on a
// single background goroutine.
type Executor struct {
	mu         sync.Mutex
	closed     bool
	queue      chan func()
	terminated chan struct{}
	closeOnce  sync.Once
}

// NewExecutor starts the background worker goroutine and returns the
// Executor. Capacity bounds how many pending tasks may queue before
// Enqueue blocks its caller.
func NewExecutor(capacity int) *Executor {
	if capacity <= 0 {
		capacity = 256
	}
	e := &Executor{
		queue:      make(chan func(), capacity),
		terminated: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	for f := range e.queue {
		f()
	}
	close(e.terminated)
}

// Enqueue schedules f to run on the executor goroutine. Returns false if
// the executor has already been shut down.
func (e *Executor) Enqueue(f func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queue <- f
	return true
}

// EnqueueFuncAsync matches the teacher's (bool, error)-returning task
// signature; the bool/error result is discarded except for logging by
// callers that care, mirroring txnengine.Txn's use of the same idiom for
// state-machine continuations.
func (e *Executor) EnqueueFuncAsync(f func() (bool, error)) bool {
	return e.Enqueue(func() { _, _ = f() })
}

// WithTerminatedChan invokes f with a channel that closes once the
// executor has fully drained and stopped, for callers that need to block
// until in-flight work on this executor has finished.
func (e *Executor) WithTerminatedChan(f func(chan struct{})) {
	ch := make(chan struct{})
	go func() {
		<-e.terminated
		close(ch)
	}()
	f(ch)
}

// Shutdown stops accepting new work and waits for the queue to drain.
func (e *Executor) Shutdown() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
	})
	e.WithTerminatedChan(func(ch chan struct{}) { <-ch })
}
