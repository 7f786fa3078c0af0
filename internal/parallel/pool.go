// Package parallel provides the worker pool CPU-side frame processors
// run their tasks on.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool runs submitted tasks on a fixed set of goroutines.
//
// Each worker owns a queue and steals from the other queues when its own
// is empty, so one slow frame does not stall the tasks queued behind it
// on another worker.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers int
	queues  []chan func()

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	// next spreads Submit calls round-robin over the queues.
	next atomic.Uint64
}

// NewWorkerPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			drain(own)
			return
		case task := <-own:
			run(task)
		default:
			if task := p.steal(id); task != nil {
				task()
				continue
			}
			select {
			case <-p.done:
				drain(own)
				return
			case task := <-own:
				run(task)
			}
		}
	}
}

func run(task func()) {
	if task != nil {
		task()
	}
}

func drain(queue chan func()) {
	for {
		select {
		case task := <-queue:
			run(task)
		default:
			return
		}
	}
}

func (p *WorkerPool) steal(id int) func() {
	for i := range p.workers {
		if i == id {
			continue
		}
		select {
		case task := <-p.queues[i]:
			return task
		default:
		}
	}
	return nil
}

// Submit queues fn and reports whether the pool accepted it. A closed
// pool rejects every task.
func (p *WorkerPool) Submit(fn func()) bool {
	if fn == nil || !p.running.Load() {
		return false
	}
	q := p.queues[p.next.Add(1)%uint64(p.workers)] //nolint:gosec // G115: workers > 0
	select {
	case q <- fn:
		return true
	case <-p.done:
		return false
	}
}

// ExecuteAll runs every task and waits for all of them.
func (p *WorkerPool) ExecuteAll(tasks []func()) {
	if len(tasks) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, fn := range tasks {
		wg.Add(1)
		if !p.Submit(func() {
			defer wg.Done()
			fn()
		}) {
			wg.Done()
		}
	}
	wg.Wait()
}

// Close stops accepting tasks, runs what is already queued and stops
// the workers. Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts tasks.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }

// Queued returns the approximate number of queued tasks.
func (p *WorkerPool) Queued() int {
	total := 0
	for _, q := range p.queues {
		total += len(q)
	}
	return total
}
