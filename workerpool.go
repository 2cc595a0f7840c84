// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// WorkerPool is a bounded goroutine pool with a one-slot mailbox: a task is
// only accepted if an idle worker takes it, or a new worker may be spawned.
// Workers beyond the core size exit after idling for the keep-alive period.
type WorkerPool struct {
	mailbox   chan func()
	stopped   chan struct{}
	// retired is closed, and replaced, whenever a worker retires
	retired   chan struct{}
	sem       *semaphore.Weighted
	sink      func(any)
	cond      *sync.Cond
	workers   sync.WaitGroup
	mu        sync.Mutex
	stopOnce  sync.Once
	keepAlive time.Duration
	core      int64
	max       int64
	inflight  int
	size      atomic.Int64
	largest   atomic.Int64
	active    atomic.Int64
	idle      atomic.Int64
	completed atomic.Uint64
}

// NewWorkerPool returns a pool of at most max workers, keeping core alive.
// Panics from tasks are recovered and passed to sink, which may be nil.
func NewWorkerPool(core, max int, keepAlive time.Duration, sink func(any)) *WorkerPool {
	if max < 1 {
		max = 1
	}
	if core < 0 {
		core = 0
	}
	if core > max {
		core = max
	}
	p := &WorkerPool{
		mailbox:   make(chan func()),
		stopped:   make(chan struct{}),
		retired:   make(chan struct{}),
		sem:       semaphore.NewWeighted(int64(max)),
		sink:      sink,
		keepAlive: keepAlive,
		core:      int64(core),
		max:       int64(max),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start spawns the core workers.
func (p *WorkerPool) Start() {
	for i := int64(0); i < p.core; i++ {
		if !p.sem.TryAcquire(1) {
			break
		}
		p.spawn(nil)
	}
}

func (p *WorkerPool) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// TryExecute hands task to an idle worker, or a new one, without blocking.
// It returns false if neither is available.
func (p *WorkerPool) TryExecute(task func()) bool {
	if p.isStopped() {
		return false
	}
	p.begin()
	select {
	case p.mailbox <- task:
		return true
	default:
	}
	if p.sem.TryAcquire(1) {
		p.spawn(task)
		return true
	}
	p.end()
	return false
}

// Execute hands task to a worker, blocking while every worker is busy and
// the pool is at its maximum size.
func (p *WorkerPool) Execute(ctx context.Context, task func()) error {
	if p.isStopped() {
		return ErrPoolStopped
	}
	p.begin()
	select {
	case p.mailbox <- task:
		return nil
	default:
	}
	for {
		// observed before TryAcquire, so a slot freed in between is not missed
		retired := p.retiredC()
		if p.sem.TryAcquire(1) {
			p.spawn(task)
			return nil
		}
		select {
		case p.mailbox <- task:
			return nil
		case <-retired:
		case <-ctx.Done():
			p.end()
			return ctx.Err()
		case <-p.stopped:
			p.end()
			return ErrPoolStopped
		}
	}
}

func (p *WorkerPool) retiredC() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retired
}

func (p *WorkerPool) signalRetired() {
	p.mu.Lock()
	close(p.retired)
	p.retired = make(chan struct{})
	p.mu.Unlock()
}

func (p *WorkerPool) spawn(task func()) {
	n := p.size.Add(1)
	for {
		largest := p.largest.Load()
		if n <= largest || p.largest.CompareAndSwap(largest, n) {
			break
		}
	}
	p.workers.Add(1)
	go p.worker(task)
}

func (p *WorkerPool) worker(task func()) {
	defer p.workers.Done()
	for {
		if task != nil {
			p.run(task)
			task = nil
		}
		if p.size.Load() > p.core && p.keepAlive <= 0 && p.retire() {
			return
		}
		var timer *time.Timer
		var expired <-chan time.Time
		if p.keepAlive > 0 && p.size.Load() > p.core {
			timer = time.NewTimer(p.keepAlive)
			expired = timer.C
		}
		p.idle.Add(1)
		select {
		case task = <-p.mailbox:
			p.idle.Add(-1)
		case <-expired:
			p.idle.Add(-1)
			if p.retire() {
				return
			}
		case <-p.stopped:
			p.idle.Add(-1)
			if timer != nil {
				timer.Stop()
			}
			p.size.Add(-1)
			p.sem.Release(1)
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// retire shrinks the pool by one, unless it is at its core size.
func (p *WorkerPool) retire() bool {
	for {
		n := p.size.Load()
		if n <= p.core {
			return false
		}
		if p.size.CompareAndSwap(n, n-1) {
			p.sem.Release(1)
			p.signalRetired()
			return true
		}
	}
}

func (p *WorkerPool) run(task func()) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil && p.sink != nil {
			p.sink(PanicError{Value: r, Stack: debug.Stack()})
		}
		p.active.Add(-1)
		p.completed.Add(1)
		p.end()
	}()
	task()
}

func (p *WorkerPool) begin() {
	p.mu.Lock()
	p.inflight++
	p.mu.Unlock()
}

func (p *WorkerPool) end() {
	p.mu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// Wait blocks until no task is in flight.
func (p *WorkerPool) Wait() {
	p.mu.Lock()
	for p.inflight > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Stop terminates every worker, after its current task. Pending Execute
// calls fail with [ErrPoolStopped]. It must not be called by a task.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
	})
	p.workers.Wait()
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return int(p.size.Load()) }

// Largest returns the largest number of workers observed.
func (p *WorkerPool) Largest() int { return int(p.largest.Load()) }

// Active returns the number of workers running a task.
func (p *WorkerPool) Active() int { return int(p.active.Load()) }

// Idle returns the number of workers waiting for a task.
func (p *WorkerPool) Idle() int { return int(p.idle.Load()) }

// Completed returns the number of tasks run.
func (p *WorkerPool) Completed() uint64 { return p.completed.Load() }
