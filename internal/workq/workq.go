// Package workq runs (de)compression jobs on a fixed set of worker
// goroutines so that slow codec work never runs on a request thread.
package workq

import (
	"os"
	"sync"
)

// A Routine moves data from src to dst, e.g. a codec's Compress.
type Routine func(src, dst *os.File) error

// A Job is one unit of work. The worker stores the routine's result in
// *Err, sets *Done and broadcasts Signal, all under Signal.L — which by
// convention is the mutex guarding the entry the sinks belong to, so a
// waiter that wakes up observes both writes.
type Job struct {
	Routine Routine
	Src     *os.File
	Dst     *os.File
	Err     *error
	Done    *bool
	Signal  *sync.Cond
}

// A Pool owns the job queue and the workers consuming it.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond // queue became non-empty, or quitting
	jobs []*Job     // FIFO, head at index 0
	quit bool
	wg   sync.WaitGroup
}

// New starts a pool with the given number of workers.
func New(workers int) *Pool {
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.quit {
			p.cond.Wait()
		}
		if p.quit {
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		err := job.Routine(job.Src, job.Dst)

		job.Signal.L.Lock()
		*job.Err = err
		*job.Done = true
		job.Signal.Broadcast()
		job.Signal.L.Unlock()
	}
}

// Run enqueues job at the tail and wakes a worker. It never blocks.
func (p *Pool) Run(job *Job) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.cond.Signal()
	p.mu.Unlock()
}

// Destroy stops and joins all workers. The queue must be empty; calling
// Destroy with queued jobs is a bug.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if len(p.jobs) != 0 {
		p.mu.Unlock()
		panic("workq: Destroy with queued jobs")
	}
	p.quit = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
