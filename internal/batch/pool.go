package batch

// pool.go implements the bounded worker pool partition tasks run on.
//
// A task goes to the first available of:
//
//  1. a new core worker, while fewer than core are running;
//  2. the queue, while it has room;
//  3. a new extra worker, while fewer than max are running;
//  4. the submitting goroutine itself.
//
// Work is never rejected or dropped. Extra workers exit as soon as they find
// the queue empty; core workers live until Shutdown.

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Pool runs tasks on a bounded set of goroutines.
type Pool struct {
	core int
	max  int

	queue chan func()

	mu      sync.Mutex
	workers int
	closed  bool

	active    atomic.Int64
	callerRan atomic.Int64
	wg        sync.WaitGroup
}

// NewPool creates a pool with core persistent workers, up to max workers in
// total and a queue of the given capacity. maxWorkers below core is raised
// to core.
func NewPool(core, maxWorkers, queue int) (*Pool, error) {
	if core < 1 {
		return nil, errors.New("pool core size must be at least 1")
	}
	if queue < 0 {
		return nil, errors.New("pool queue capacity must not be negative")
	}
	if maxWorkers < core {
		maxWorkers = core
	}
	return &Pool{
		core:  core,
		max:   maxWorkers,
		queue: make(chan func(), queue),
	}, nil
}

// Submit schedules task. When every worker is busy and the queue is full the
// task runs synchronously before Submit returns.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	if p.workers < p.core {
		p.spawnLocked(task, true)
		p.mu.Unlock()
		return nil
	}

	select {
	case p.queue <- task:
		p.mu.Unlock()
		return nil
	default:
	}

	if p.workers < p.max {
		p.spawnLocked(task, false)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.callerRan.Add(1)
	p.run(task)
	return nil
}

func (p *Pool) spawnLocked(first func(), core bool) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first, core)
}

func (p *Pool) worker(first func(), core bool) {
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
		p.wg.Done()
	}()

	p.run(first)
	for {
		if core {
			task, ok := <-p.queue
			if !ok {
				return
			}
			p.run(task)
			continue
		}
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(task)
		default:
			return
		}
	}
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	defer p.active.Add(-1)
	task()
}

// Shutdown stops accepting tasks, lets queued tasks finish and waits for
// every worker to exit. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// PoolStatus is a snapshot of the pool for monitoring.
type PoolStatus struct {
	Core      int   `json:"core"`
	Max       int   `json:"max"`
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	CallerRan int64 `json:"caller_ran"`
}

// Status returns the current pool state.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	return PoolStatus{
		Core:      p.core,
		Max:       p.max,
		Workers:   workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		CallerRan: p.callerRan.Load(),
	}
}
