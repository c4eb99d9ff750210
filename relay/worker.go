package relay

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// workerPool is spec.md §4.4's "single-reader/multi-writer ready channel of
// queueIds" combined with its "semaphore of capacity
// MaxConcurrentDeliveries" bound: a dispatcher goroutine waits for a free
// semaphore slot, then pops the front job off a two-ended deque and runs it
// in its own goroutine. submit pushes Urgent/High jobs to the front and
// Normal/Low jobs to the back, so a ready Urgent or High job always runs
// before any ready Normal or Low job. The deque orders nothing further:
// Urgent and High are not told apart and the most recently submitted of
// them runs first, while Normal and Low share one first-in-first-out line.
//
// Grounded on internal/queue/queue.go's SendLoop (which spawns one
// goroutine per item unconditionally, with no priority concept) and the
// semaphore already used for the concurrency bound; the deque in front of
// it is new code in the same plain-struct, explicit-mutex idiom.
type workerPool struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   *list.List
}

func newWorkerPool(maxConcurrent int) *workerPool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	p := &workerPool{
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
		jobs: list.New(),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.dispatch()
	return p
}

func (p *workerPool) dispatch() {
	for {
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			continue
		}
		p.mu.Lock()
		for p.jobs.Len() == 0 {
			p.cond.Wait()
		}
		e := p.jobs.Front()
		p.jobs.Remove(e)
		p.mu.Unlock()

		fn := e.Value.(func())
		go func() {
			defer p.sem.Release(1)
			fn()
		}()
	}
}

// submit schedules fn for execution: Urgent and High jobs go to the front of
// the deque, ahead of every waiting job (earlier Urgent/High ones included);
// Normal and Low jobs go to the back, behind everything already waiting.
func (p *workerPool) submit(priority Priority, fn func()) {
	p.mu.Lock()
	if priority >= High {
		p.jobs.PushFront(fn)
	} else {
		p.jobs.PushBack(fn)
	}
	p.cond.Signal()
	p.mu.Unlock()
}

// run is a convenience wrapper for callers that don't care about priority
// (e.g. tests): it submits at Normal priority and blocks until fn has run.
func (p *workerPool) run(fn func()) {
	done := make(chan struct{})
	p.submit(Normal, func() {
		defer close(done)
		fn()
	})
	<-done
}
