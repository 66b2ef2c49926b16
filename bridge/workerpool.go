package bridge

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// executor runs continuations off the caller's goroutine
type executor interface {
	submit(task func()) error
}

// workerPool is a fixed set of goroutines draining a bounded task queue.
// Tasks run under panic recovery.
type workerPool struct {
	name    string
	workers int
	tasks   chan func()
	logger  *slog.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	overflowed atomic.Int64
}

func newWorkerPool(name string, workers, queueSize int, logger *slog.Logger) *workerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &workerPool{
		name:    name,
		workers: workers,
		tasks:   make(chan func(), queueSize),
		logger:  logger,
	}
}

// start launches the workers. It is a no-op once started or shut down.
func (p *workerPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.work()
	}
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runSafely(task)
	}
}

// submit queues task. It fails with ErrPoolClosed when the pool is not
// running and never blocks: when the queue is full the task runs on a goroutine
// of its own that shutdown still waits for.
func (p *workerPool) submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started || p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
	}

	p.overflowed.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSafely(task)
	}()
	return nil
}

// capacity is the number of tasks the pool holds without overflowing
func (p *workerPool) capacity() int {
	return p.workers + cap(p.tasks)
}

// shutdown stops accepting tasks, lets queued tasks finish and waits for the
// workers to exit
func (p *workerPool) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *workerPool) runSafely(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered panic in worker",
				"pool", p.name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	task()
}

// dispatch runs task on ex. Only a pool that is not running makes it run
// inline, which never happens on the listener or sweeper goroutines.
func dispatch(ex executor, logger *slog.Logger, task func()) {
	if ex != nil {
		if err := ex.submit(task); err == nil {
			return
		}
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("recovered panic in continuation", "panic", r)
			}
		}()
		task()
	}()
}
