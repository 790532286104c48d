package coordinator

import (
	"sync"
)

// workerPool runs submitted tasks on a fixed set of goroutines. Submit
// never blocks: a full queue rejects the task so a slow venue cannot
// stall the caller's tick.
type workerPool struct {
	size  int
	tasks chan func()
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

func newWorkerPool(size, queue int) *workerPool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = size * 2
	}
	return &workerPool{
		size:  size,
		tasks: make(chan func(), queue),
		stop:  make(chan struct{}),
	}
}

func (p *workerPool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *workerPool) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Submit queues a task, reporting false when the queue is full or the
// pool is stopping.
func (p *workerPool) Submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	case <-p.stop:
		return false
	default:
		return false
	}
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			if task != nil {
				task()
			}
		case <-p.stop:
			return
		}
	}
}
