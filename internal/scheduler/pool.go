package scheduler

import (
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolStopped = errors.New("worker pool is stopped")

// DefaultPoolSize leaves two hardware threads for rendering and uploads.
func DefaultPoolSize() int {
	return max(1, runtime.NumCPU()-2)
}

// Pool runs tasks on a fixed set of workers. Enqueue never blocks; tasks wait
// in an unbounded FIFO queue.
type Pool struct {
	size int
	log  *zap.Logger

	mu      sync.Mutex
	ready   *sync.Cond
	queue   []*Task
	running bool
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(size int, log *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize()
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{size: size, log: log}
	p.ready = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) Size() int {
	return p.size
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return
	}
	p.running = true
	for i := range p.size {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Debug("Worker pool started", zap.Int("workers", p.size))
}

func (p *Pool) Enqueue(t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	p.queue = append(p.queue, t)
	p.ready.Signal()
	return nil
}

// Pending is the number of queued tasks not yet picked by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop cancels every queued task, runs their post hooks with cancelled set,
// and waits for running tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	queued := p.queue
	p.queue = nil
	p.ready.Broadcast()
	p.mu.Unlock()

	for _, t := range queued {
		t.RequestCancellation()
		t.Run()
	}
	p.wg.Wait()

	p.log.Debug("Worker pool stopped", zap.Int("cancelled", len(queued)))
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.ready.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(n, t)
	}
}

func (p *Pool) run(n int, t *Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Task panicked",
				zap.Int("worker", n),
				zap.String("task_id", t.ID().String()),
				zap.Any("panic", r))
		}
	}()
	t.Run()
}
