package relay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := newWorkerPool(2)

	var active, maxActive int32
	var done sync.WaitGroup
	for i := 0; i < 6; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			pool.run(func() {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	done.Wait()

	if maxActive > 2 {
		t.Errorf("observed %d concurrent workers, pool limit was 2", maxActive)
	}
}

func TestWorkerPoolPrefersHigherPriority(t *testing.T) {
	pool := newWorkerPool(1)

	// Occupy the single slot so every subsequent submit queues up before
	// any of them can run.
	block := make(chan struct{})
	started := make(chan struct{})
	pool.submit(Normal, func() {
		close(started)
		<-block
	})
	<-started

	var mu sync.Mutex
	var order []string
	var done sync.WaitGroup
	done.Add(3)
	submit := func(name string, p Priority) {
		pool.submit(p, func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done.Done()
		})
	}
	submit("low", Low)
	submit("normal", Normal)
	submit("urgent", Urgent)

	close(block)
	done.Wait()

	if len(order) != 3 || order[0] != "urgent" {
		t.Fatalf("expected urgent job to run first once the pool freed up, got %v", order)
	}
}
