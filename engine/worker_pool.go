package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool runs shard scans on a fixed set of goroutines so that query
// fan-out cost stays bounded no matter how many queries are in flight.
type WorkerPool struct {
	tasks  chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	mu     sync.RWMutex
}

// NewWorkerPool starts size workers. A non-positive size falls back to
// GOMAXPROCS.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}

	wp := &WorkerPool{
		tasks: make(chan func(), size),
		quit:  make(chan struct{}),
	}

	wp.wg.Add(size)
	for i := 0; i < size; i++ {
		go wp.run()
	}

	return wp
}

func (wp *WorkerPool) run() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.quit:
			// Finish whatever was already queued, then exit.
			for {
				select {
				case task := <-wp.tasks:
					task()
				default:
					return
				}
			}
		case task := <-wp.tasks:
			task()
		}
	}
}

// Submit enqueues a task, blocking while every worker is busy. It fails with
// ErrEngineClosed once the pool is closed, or with the context's error if
// ctx is cancelled before the task is accepted.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed.Load() {
		return ErrEngineClosed
	}

	select {
	case wp.tasks <- task:
		return nil
	case <-wp.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after queued tasks drain. Idempotent.
func (wp *WorkerPool) Close() {
	if !wp.closed.CompareAndSwap(false, true) {
		return
	}

	// The write lock waits out in-flight Submits so no send races the
	// shutdown signal.
	wp.mu.Lock()
	close(wp.quit)
	wp.mu.Unlock()

	wp.wg.Wait()
}
