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

package silo

import (
	"time"

	"go.uber.org/atomic"

	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/internal/queue"
	"github.com/silogrid/silogrid/internal/workerpool"
	"github.com/silogrid/silogrid/log"
)

// Activation lifecycle states. Transitions are one-way and monotone:
// Creating < Activating < Valid < Deactivating < Invalid. The only skips
// allowed are Creating -> Invalid on a lost or failed registration and
// Activating -> Invalid on a failed activation hook.
const (
	stateCreating int32 = iota
	stateActivating
	stateValid
	stateDeactivating
	stateInvalid
)

// processing loop states
const (
	idle int32 = iota
	busy
)

// workKind classifies a work item.
type workKind uint8

const (
	// workInvocation starts a new turn for an incoming call.
	workInvocation workKind = iota
	// workContinuation resumes a turn suspended on an async request.
	workContinuation
	// workSystem is runtime-internal work: lifecycle hooks, timers.
	workSystem
)

// workItem is one unit of scheduled execution on an activation.
type workItem struct {
	kind       workKind
	interleave bool
	enqueuedAt time.Time
	run        func()
}

// activation is the in-memory incarnation of a grain on this silo: the
// grain instance, its work-item queues and the turn discipline around them.
//
// The scheduling model is cooperative single-threaded: a CAS on processing
// guarantees at most one turn loop runs at a time, so turns of one
// activation never execute in parallel. Parallelism across activations
// comes from the shared worker pools the loop is submitted to.
type activation struct {
	identity grain.Identity
	id       grain.ActivationID
	address  grain.ActivationAddress
	instance Grain

	state      atomic.Int32
	processing atomic.Int32

	systemQueue *queue.MpscQueue[*workItem]
	contQueue   *queue.MpscQueue[*workItem]
	appQueue    *queue.MpscQueue[*workItem]
	// stash holds invocations deferred while a non-reentrant turn is
	// suspended; only the consumer loop touches it
	stash []*workItem

	// inFlight counts outstanding async requests: non-zero means a turn is
	// suspended at an await boundary
	inFlight atomic.Int32

	reentrancy   ReentrancyMode
	ageLimit     time.Duration
	lastActivity atomic.Int64 // UnixNano
	// collectionTicket is the time-wheel bucket this activation sits in,
	// zero when exempt
	collectionTicket atomic.Int64
	keepAliveUntil   atomic.Int64

	systemPool *workerpool.Pool
	appPool    *workerpool.Pool
	logger     log.Logger
}

func newActivation(address grain.ActivationAddress, instance Grain, reentrancy ReentrancyMode, ageLimit time.Duration, systemPool, appPool *workerpool.Pool, logger log.Logger) *activation {
	a := &activation{
		identity:    address.Grain,
		id:          address.Activation,
		address:     address,
		instance:    instance,
		systemQueue: queue.NewMpscQueue[*workItem](),
		contQueue:   queue.NewMpscQueue[*workItem](),
		appQueue:    queue.NewMpscQueue[*workItem](),
		reentrancy:  reentrancy,
		ageLimit:    ageLimit,
		systemPool:  systemPool,
		appPool:     appPool,
		logger:      logger,
	}
	a.state.Store(stateCreating)
	a.processing.Store(idle)
	a.lastActivity.Store(time.Now().UnixNano())
	return a
}

// currentState returns the lifecycle state word.
func (a *activation) currentState() int32 {
	return a.state.Load()
}

// advanceState moves the lifecycle forward. Transitions are one-way; moving
// backwards is refused.
func (a *activation) advanceState(from, to int32) bool {
	if to < from {
		return false
	}
	return a.state.CompareAndSwap(from, to)
}

// isValid reports whether the activation serves calls.
func (a *activation) isValid() bool {
	return a.state.Load() == stateValid
}

// enqueueSystem schedules runtime work. System items are accepted in every
// state before Invalid.
func (a *activation) enqueueSystem(run func()) error {
	if a.state.Load() == stateInvalid {
		return gerrors.ErrActivationNotFound
	}
	a.systemQueue.Push(&workItem{kind: workSystem, enqueuedAt: time.Now(), run: run})
	a.schedule()
	return nil
}

// enqueueInvocation schedules one incoming call. Invocations are accepted
// while the activation is Creating, Activating or Valid; a draining or dead
// activation rejects them with a definite error the dispatcher converts
// into a cache-invalidation rejection.
func (a *activation) enqueueInvocation(interleave bool, run func()) error {
	switch a.state.Load() {
	case stateDeactivating:
		return gerrors.ErrActivationDeactivating
	case stateInvalid:
		return gerrors.ErrActivationNotFound
	}
	a.appQueue.Push(&workItem{kind: workInvocation, interleave: interleave, enqueuedAt: time.Now(), run: run})
	a.schedule()
	return nil
}

// enqueueContinuation resumes a suspended turn. Continuations are always
// accepted while the activation is not Invalid: the suspended turn was
// admitted before and must be allowed to finish, even during draining.
func (a *activation) enqueueContinuation(run func()) error {
	if a.state.Load() == stateInvalid {
		return gerrors.ErrActivationNotFound
	}
	a.contQueue.Push(&workItem{kind: workContinuation, enqueuedAt: time.Now(), run: run})
	a.schedule()
	return nil
}

// beginSuspension records that the current turn reached an await boundary.
func (a *activation) beginSuspension() {
	a.inFlight.Inc()
}

// endSuspension records a continuation starting; called at the top of every
// continuation item.
func (a *activation) endSuspension() {
	a.inFlight.Dec()
}

// suspended reports whether a turn is parked at an await boundary.
func (a *activation) suspended() bool {
	return a.inFlight.Load() > 0
}

// markActivity refreshes the working-set timestamp.
func (a *activation) markActivity() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// idleSince returns the last-activity time.
func (a *activation) idleSince() time.Time {
	return time.Unix(0, a.lastActivity.Load())
}

// hasPendingWork reports whether any queue or the stash holds items, or a
// turn is suspended.
func (a *activation) hasPendingWork() bool {
	return !a.systemQueue.IsEmpty() || !a.contQueue.IsEmpty() || !a.appQueue.IsEmpty() ||
		len(a.stash) > 0 || a.suspended()
}

// keptAlive reports whether an explicit keep-alive currently exempts the
// activation from collection.
func (a *activation) keptAlive(now time.Time) bool {
	return a.keepAliveUntil.Load() > now.UnixNano()
}

// schedule starts the turn loop when it is not already running. Only the
// idle -> busy transition submits a loop; a running loop picks new items up
// by itself.
func (a *activation) schedule() {
	if !a.processing.CompareAndSwap(idle, busy) {
		return
	}

	pool := a.appPool
	if !a.systemQueue.IsEmpty() || !a.contQueue.IsEmpty() {
		pool = a.systemPool
	}
	if err := pool.Submit(a.runLoop); err != nil {
		// application turns are stopped; system work still runs
		if err := a.systemPool.Submit(a.runLoop); err != nil {
			a.processing.Store(idle)
			a.logger.Warnf("dropping turn loop for %s: %v", a.identity, err)
		}
	}
}

// runLoop drains the queues under the turn lock. An item runs to completion
// or to its await boundary; suspension is expressed by the item returning
// with inFlight raised.
func (a *activation) runLoop() {
	for {
		item := a.nextItem()
		if item == nil {
			a.processing.Store(idle)
			// a producer may have enqueued between the last pop and the store;
			// reclaim the loop if so
			if a.hasRunnableItem() && a.processing.CompareAndSwap(idle, busy) {
				continue
			}
			return
		}
		a.runItem(item)
	}
}

// nextItem picks the next runnable item honoring lane priority and the
// reentrancy discipline: system first, then continuations of suspended
// turns, then stashed and fresh invocations when the activation may start a
// new turn.
func (a *activation) nextItem() *workItem {
	if item, ok := a.systemQueue.Pop(); ok {
		return item
	}
	if item, ok := a.contQueue.Pop(); ok {
		return item
	}

	if a.suspended() && a.reentrancy == NonReentrant {
		// only interleavable items may start ahead of the suspended turn, and
		// only while nothing non-interleavable waits before them
		for {
			item, ok := a.appQueue.Pop()
			if !ok {
				return nil
			}
			if item.interleave && len(a.stash) == 0 {
				return item
			}
			a.stash = append(a.stash, item)
		}
	}

	if len(a.stash) > 0 {
		item := a.stash[0]
		a.stash = a.stash[1:]
		return item
	}
	item, ok := a.appQueue.Pop()
	if !ok {
		return nil
	}
	return item
}

// hasRunnableItem mirrors nextItem's admission rules without popping.
func (a *activation) hasRunnableItem() bool {
	if !a.systemQueue.IsEmpty() || !a.contQueue.IsEmpty() {
		return true
	}
	if a.suspended() && a.reentrancy == NonReentrant {
		return !a.appQueue.IsEmpty()
	}
	return len(a.stash) > 0 || !a.appQueue.IsEmpty()
}

// runItem executes one item, capturing panics so a failing turn never kills
// the worker.
func (a *activation) runItem(item *workItem) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("turn on %s panicked: %v", a.identity, r)
		}
	}()
	a.markActivity()
	item.run()
}
