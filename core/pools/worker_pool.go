package pools

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pools: worker pool closed")
	ErrPoolFull   = errors.New("pools: worker pool saturated")
)

// Task represents a unit of work
type Task func()

// WorkerPool runs handler work off the reactor goroutine. Each worker owns
// a bounded queue and steals from its neighbours when idle.
type WorkerPool struct {
	numWorkers int
	queues     []chan Task
	closed     atomic.Bool
	mu         sync.RWMutex // held for reading while enqueueing, for writing while closing
	wg         sync.WaitGroup

	stats struct {
		submitted atomic.Uint64
		completed atomic.Uint64
		rejected  atomic.Uint64
		steals    atomic.Uint64
	}
}

// DefaultQueueSize is the per-worker queue capacity.
const DefaultQueueSize = 256

// NewWorkerPool starts numWorkers workers; 0 means one per CPU.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]chan Task, numWorkers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, queueSize)
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.run(i)
	}
	return p
}

// Submit queues task round-robin, spilling to the next queue when one is
// full. It never runs the task on the caller's goroutine, which is the
// reactor; a saturated pool returns ErrPoolFull.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	start := int(p.stats.submitted.Add(1) % uint64(p.numWorkers))
	for i := 0; i < p.numWorkers; i++ {
		select {
		case p.queues[(start+i)%p.numWorkers] <- task:
			return nil
		default:
		}
	}

	p.stats.submitted.Add(^uint64(0))
	p.stats.rejected.Add(1)
	return ErrPoolFull
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	own := p.queues[id]

	for {
		select {
		case task, ok := <-own:
			if !ok {
				p.drainOthers(id)
				return
			}
			p.exec(task)
			continue
		default:
		}

		if p.steal(id) {
			continue
		}

		task, ok := <-own
		if !ok {
			p.drainOthers(id)
			return
		}
		p.exec(task)
	}
}

func (p *WorkerPool) exec(task Task) {
	defer p.stats.completed.Add(1)
	task()
}

// steal takes one task from another worker's queue.
func (p *WorkerPool) steal(id int) bool {
	for i := 1; i < p.numWorkers; i++ {
		victim := p.queues[(id+i)%p.numWorkers]
		select {
		case task, ok := <-victim:
			if ok {
				p.stats.steals.Add(1)
				p.exec(task)
				return true
			}
		default:
		}
	}
	return false
}

// drainOthers helps finish queued work after Close.
func (p *WorkerPool) drainOthers(id int) {
	for p.steal(id) {
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return
	}
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers int
	Submitted  uint64
	Completed  uint64
	Pending    uint64
	Rejected   uint64
	Steals     uint64
}

func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted, completed := p.stats.submitted.Load(), p.stats.completed.Load()
	s := WorkerPoolStats{
		NumWorkers: p.numWorkers,
		Submitted:  submitted,
		Completed:  completed,
		Rejected:   p.stats.rejected.Load(),
		Steals:     p.stats.steals.Load(),
	}
	if submitted > completed {
		s.Pending = submitted - completed
	}
	return s
}
