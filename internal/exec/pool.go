// Package exec implements the execution layer (spec §4.F): a bounded
// worker pool for asynchronous tasks (background eviction, primarily),
// with a discard-on-overflow policy. The bound is deliberate — the
// evictor is probabilistic and lossy by design, so dropping excess tasks
// beats unbounded memory growth or added write-path latency. A panic
// inside a task is recovered and reported rather than left to crash the
// worker's goroutine (spec §4.F/§7).
package exec

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Wrapper optionally wraps a task before it runs, e.g. to ensure a host
// runtime's per-request setup (class autoloading, tracing scopes, ...)
// is active for the duration of the task (spec §4.F).
type Wrapper func(task func()) func()

// Pool is a fixed-size worker pool backed by a bounded queue. Submit is
// non-blocking: when the queue is full, the task is dropped and Submit
// reports false.
type Pool struct {
	tasks   chan func()
	sem     *semaphore.Weighted
	wrap    Wrapper
	onDrop  func()
	onPanic func(recovered any)
	done    chan struct{}
	wg      sync.WaitGroup
	closeWg sync.WaitGroup
}

// New starts a pool with the given worker count (max concurrently
// running tasks) and queue capacity. onDrop, if non-nil, is called
// whenever Submit discards a task because the queue is full. onPanic, if
// non-nil, is called with the recovered value whenever a task panics; the
// worker that ran it survives and keeps serving the queue (spec §4.F/§7:
// "Uncaught exceptions inside a task ... must not terminate the worker").
func New(workers, queueSize int, wrap Wrapper, onDrop func(), onPanic func(recovered any)) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		tasks:   make(chan func(), queueSize),
		sem:     semaphore.NewWeighted(int64(workers)),
		wrap:    wrap,
		onDrop:  onDrop,
		onPanic: onPanic,
		done:    make(chan struct{}),
	}
	p.closeWg.Add(1)
	go p.dispatch()
	return p
}

// Submit enqueues task for background execution. It returns false
// (without running task) if the queue is already full — tasks are
// discarded, never blocked on (spec §4.F/§7: "Queue overflow").
func (p *Pool) Submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		if p.onDrop != nil {
			p.onDrop()
		}
		return false
	}
}

// Close stops accepting new dispatch cycles and waits for in-flight
// tasks to finish. Tasks already queued but not yet started are not run.
func (p *Pool) Close() {
	close(p.done)
	p.closeWg.Wait()
	p.wg.Wait()
}

func (p *Pool) dispatch() {
	defer p.closeWg.Done()

	// A worker slot is reserved before a task is taken off the queue, so a
	// task waiting for a free worker keeps its queue slot and at most
	// queueSize tasks wait behind the running ones.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		select {
		case task := <-p.tasks:
			run := task
			if p.wrap != nil {
				run = p.wrap(task)
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.sem.Release(1)
				defer func() {
					if r := recover(); r != nil && p.onPanic != nil {
						p.onPanic(r)
					}
				}()
				run()
			}()
		case <-p.done:
			p.sem.Release(1)
			return
		}
	}
}
