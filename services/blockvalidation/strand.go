package blockvalidation

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

// workerPool runs tasks on a fixed number of goroutines. The queue is unbounded, so a task
// submitting further tasks never blocks the worker it runs on.
type workerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}

	p := &workerPool{}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)

	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p
}

// submit queues task, it returns false once the pool is closed.
func (p *workerPool) submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	p.tasks = append(p.tasks, task)
	p.cond.Signal()

	return true
}

func (p *workerPool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()

		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}

		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}

		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]

		p.mu.Unlock()

		task()
	}
}

// close lets the workers finish the queued tasks and waits for them to exit.
func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

// strand runs the posted functions one at a time, in posting order, on the worker pool. No
// goroutine is dedicated to it: the first post on an idle strand submits a drain task that
// runs until the queue is empty.
type strand struct {
	queue   *LockFreeQ[func()]
	pending atomic.Int64
	pool    *workerPool
	onPanic func(r any)
}

func newStrand(pool *workerPool, onPanic func(r any)) *strand {
	return &strand{
		queue:   NewLockFreeQ[func()](),
		pool:    pool,
		onPanic: onPanic,
	}
}

func (s *strand) post(fn func()) {
	s.queue.enqueue(fn)

	if s.pending.Inc() == 1 {
		s.pool.submit(s.drain)
	}
}

func (s *strand) drain() {
	for {
		fn, ok := s.queue.dequeue()
		if !ok {
			// a concurrent post has swapped the head but not linked its node yet
			runtime.Gosched()
			continue
		}

		s.run(fn)

		if s.pending.Dec() == 0 {
			return
		}
	}
}

func (s *strand) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && s.onPanic != nil {
			s.onPanic(r)
		}
	}()

	fn()
}
