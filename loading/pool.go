package loading

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pool is a capacity-bounded admission gate for async loads, built on
// golang.org/x/sync/semaphore rather than a hand-rolled channel-of-
// goroutines pool.
//
// submit never blocks the caller: it spawns a goroutine immediately and
// that goroutine blocks on the semaphore before running fn. This matters
// because Dispatcher calls submit while holding its own lock; blocking
// there on pool capacity could deadlock against in-flight tasks that need
// the same lock to finish and free a slot.
type pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newPool(capacity int64) *pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &pool{sem: semaphore.NewWeighted(capacity)}
}

// submit spawns fn to run once a slot is free.
func (p *pool) submit(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}

// wait blocks until every submitted task has returned.
func (p *pool) wait() {
	p.wg.Wait()
}
