/*
 * MIT License
 *
 * Copyright (c) 2023-2026 SiloGrid Authors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package workerpool provides the fixed-size worker pools backing turn
// execution. A silo runs two of them: one for system work and one for
// application work. On shutdown the system pool drains while the
// application pool stops.
package workerpool

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/log"
)

// Pool is a fixed-size worker set consuming tasks from a bounded queue.
type Pool struct {
	name    string
	logger  log.Logger
	tasks   chan func()
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
	// closeMu orders Submit's channel send against the close in Drain/Stop
	closeMu sync.RWMutex

	workers  int
	capacity int
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of workers. Defaults to GOMAXPROCS.
func WithWorkers(workers int) Option {
	return func(p *Pool) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithQueueCapacity sets the task queue capacity. Defaults to 4096.
func WithQueueCapacity(capacity int) Option {
	return func(p *Pool) {
		if capacity > 0 {
			p.capacity = capacity
		}
	}
}

// New creates a Pool with the given name used in log records.
func New(name string, logger log.Logger, opts ...Option) *Pool {
	pool := &Pool{
		name:     name,
		logger:   logger,
		workers:  runtime.GOMAXPROCS(0),
		capacity: 4096,
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// Start spins up the workers. It is a no-op when already started.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.tasks = make(chan func(), p.capacity)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

// Submit enqueues a task for execution.
//
// It returns errors.ErrSiloNotStarted before Start, errors.ErrSiloStopping
// after Drain or Stop, and errors.ErrOverloaded when the queue is full.
func (p *Pool) Submit(task func()) error {
	if !p.started.Load() {
		return errors.ErrSiloNotStarted
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return errors.ErrSiloStopping
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return errors.ErrOverloaded
	}
}

// Drain stops accepting new tasks, lets queued tasks finish, and waits for
// the workers up to the given timeout. Returns false when the timeout fired
// before the pool was quiescent.
func (p *Pool) Drain(timeout time.Duration) bool {
	if !p.started.Load() {
		return true
	}
	p.closeMu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.closeMu.Unlock()
		return true
	}
	close(p.tasks)
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		p.logger.Warnf("%s pool did not drain within %s", p.name, timeout)
		return false
	}
}

// Stop stops accepting new tasks and empties the queue: a queued task is
// discarded unless a worker takes it first, in which case it still runs.
// Running tasks finish on their own worker.
func (p *Pool) Stop() {
	if !p.started.Load() {
		return
	}
	p.closeMu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.closeMu.Unlock()
		return
	}
	close(p.tasks)
	p.closeMu.Unlock()

	// swallow whatever is still queued so the workers exit quickly
	for range p.tasks { //nolint:revive
	}
}

// Len returns the number of tasks waiting in the queue.
func (p *Pool) Len() int {
	if p.tasks == nil {
		return 0
	}
	return len(p.tasks)
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("%s pool task panicked: %v", p.name, r)
		}
	}()
	task()
}
