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
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/directory"
	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/hash"
	"github.com/silogrid/silogrid/internal/syncmap"
	"github.com/silogrid/silogrid/internal/workerpool"
	"github.com/silogrid/silogrid/log"
)

// creationStripes is the size of the striped mutex table serializing
// activation creation per grain identity.
const creationStripes = 64

// Catalog owns the activation records of this silo: it creates activations
// on demand, runs their lifecycle hooks on the per-activation scheduler, and
// keeps the directory in sync with what is actually hosted here.
type Catalog struct {
	local      cluster.SiloAddress
	registry   *Registry
	dir        *directory.LocalDirectory
	collector  *Collector
	config     *Config
	hasher     hash.Hasher
	logger     log.Logger
	metrics    MetricsSink
	systemPool *workerpool.Pool
	appPool    *workerpool.Pool

	activations   *syncmap.SyncMap[grain.Identity, *activation]
	creationLocks [creationStripes]sync.Mutex

	dispatcher *Dispatcher
	stopping   atomic.Bool
}

// NewCatalog creates the catalog.
func NewCatalog(local cluster.SiloAddress, registry *Registry, dir *directory.LocalDirectory, collector *Collector, hasher hash.Hasher, config *Config, systemPool, appPool *workerpool.Pool) *Catalog {
	return &Catalog{
		local:       local,
		registry:    registry,
		dir:         dir,
		collector:   collector,
		config:      config,
		hasher:      hasher,
		logger:      config.Logger,
		metrics:     config.Metrics,
		systemPool:  systemPool,
		appPool:     appPool,
		activations: syncmap.New[grain.Identity, *activation](),
	}
}

// setDispatcher wires the dispatcher after construction; the two reference
// each other through this single seam instead of a pointer graph.
func (c *Catalog) setDispatcher(d *Dispatcher) {
	c.dispatcher = d
}

func (c *Catalog) creationLock(identity grain.Identity) *sync.Mutex {
	idx := identity.RingHash(c.hasher) % creationStripes
	return &c.creationLocks[idx]
}

// Activation returns the local activation of the grain, if any.
func (c *Catalog) Activation(identity grain.Identity) (*activation, bool) {
	return c.activations.Get(identity)
}

// Len returns the number of local activation records.
func (c *Catalog) Len() int {
	return c.activations.Len()
}

// GetOrCreate returns a local activation of the grain, creating and
// registering one when none exists. When another silo won the directory
// race, the winning remote address is returned instead and no local
// activation survives.
func (c *Catalog) GetOrCreate(ctx context.Context, identity grain.Identity) (*activation, grain.ActivationAddress, error) {
	if c.stopping.Load() {
		return nil, grain.ActivationAddress{}, gerrors.ErrSiloStopping
	}

	if a, ok := c.activations.Get(identity); ok && a.currentState() <= stateValid {
		return a, grain.ActivationAddress{}, nil
	}

	lock := c.creationLock(identity)
	lock.Lock()
	defer lock.Unlock()

	// double-check under the creation lock
	if a, ok := c.activations.Get(identity); ok && a.currentState() <= stateValid {
		return a, grain.ActivationAddress{}, nil
	}

	instance, err := c.registry.Instantiate(identity.Kind())
	if err != nil {
		return nil, grain.ActivationAddress{}, err
	}

	address := grain.NewActivationAddress(c.local, identity, grain.NewActivationID())
	a := newActivation(
		address,
		instance,
		c.config.reentrancyFor(identity.Kind()),
		c.config.ageLimitFor(identity.Kind()),
		c.systemPool,
		c.appPool,
		c.logger,
	)
	c.activations.Set(identity, a)

	// creation is linearized by the directory: whoever registers first keeps
	// its activation, everyone else abandons theirs
	for attempt := 0; attempt < 2; attempt++ {
		winner, _, err := c.dir.RegisterSingle(ctx, address)
		if err != nil {
			c.abandon(a)
			return nil, grain.ActivationAddress{}, err
		}
		if winner.Equal(address) {
			a.advanceState(stateCreating, stateActivating)
			_ = a.enqueueSystem(func() { c.runActivate(a) })
			return a, grain.ActivationAddress{}, nil
		}
		if !winner.Silo.Equal(c.local) {
			// lost the race: tear the reserved slot down without running user code
			c.abandon(a)
			return nil, winner, nil
		}
		// the directory points at a previous incarnation on this very silo
		// that is draining or already gone; clear the stale entry and retry
		if err := c.dir.Unregister(ctx, winner, "stale self entry"); err != nil {
			c.abandon(a)
			return nil, grain.ActivationAddress{}, err
		}
	}
	c.abandon(a)
	return nil, grain.ActivationAddress{}, gerrors.ErrActivationNotFound
}

// abandon tears down a slot that never reached Valid.
func (c *Catalog) abandon(a *activation) {
	a.state.Store(stateInvalid)
	if current, ok := c.activations.Get(a.identity); ok && current == a {
		c.activations.Delete(a.identity)
	}
}

// runActivate executes the user activation hook as the activation's first
// turn.
func (c *Catalog) runActivate(a *activation) {
	gctx := &GrainContext{ctx: context.Background(), identity: a.identity, activation: a, dispatcher: c.dispatcher}
	if err := a.instance.OnActivate(gctx); err != nil {
		c.logger.Errorf("activation of %s failed: %v", a.identity, err)
		unregCtx, cancel := context.WithTimeout(context.Background(), c.config.ResponseTimeout)
		if uerr := c.dir.Unregister(unregCtx, a.address, "activation failure"); uerr != nil {
			c.logger.Warnf("failed to unregister %s after activation failure: %v", a.address, uerr)
		}
		cancel()
		c.abandon(a)
		return
	}

	a.advanceState(stateActivating, stateValid)
	a.markActivity()
	c.collector.Schedule(a)
	c.metrics.ActivationCreated(a.identity.Kind())
	c.logger.Infof("activated %s", a.address)
}

// Deactivate transitions a Valid activation into draining and schedules its
// teardown behind the already-admitted work.
func (c *Catalog) Deactivate(a *activation, reason string) bool {
	if !a.advanceState(stateValid, stateDeactivating) {
		return false
	}
	c.finishDeactivation(a, reason)
	return true
}

// finishDeactivation queues the teardown turn of an activation already in
// Deactivating. Pending invocations drain first: the teardown item goes to
// the back of the application lane.
func (c *Catalog) finishDeactivation(a *activation, reason string) {
	c.collector.TryCancel(a)
	teardown := &workItem{kind: workSystem, run: func() { c.runDeactivate(a, reason) }}
	a.appQueue.Push(teardown)
	a.schedule()
}

func (c *Catalog) runDeactivate(a *activation, reason string) {
	gctx := &GrainContext{ctx: context.Background(), identity: a.identity, activation: a, dispatcher: c.dispatcher}
	if err := a.instance.OnDeactivate(gctx); err != nil {
		c.logger.Errorf("deactivation hook of %s failed: %v", a.identity, err)
	}

	unregCtx, cancel := context.WithTimeout(context.Background(), c.config.ResponseTimeout)
	if err := c.dir.Unregister(unregCtx, a.address, reason); err != nil {
		c.logger.Warnf("failed to unregister %s: %v", a.address, err)
	}
	cancel()

	a.state.Store(stateInvalid)
	if current, ok := c.activations.Get(a.identity); ok && current == a {
		c.activations.Delete(a.identity)
	}
	c.logger.Infof("deactivated %s (%s)", a.address, reason)
}

// CollectIdle sweeps the time wheel and deactivates what it returns.
func (c *Catalog) CollectIdle(now time.Time) {
	for _, a := range c.collector.ScanStale(now) {
		c.metrics.ActivationCollected(a.identity.Kind())
		c.finishDeactivation(a, "idle collection")
	}
}

// ActivationAddresses returns the addresses of every local activation record
// still present, whatever its state.
func (c *Catalog) ActivationAddresses() []grain.ActivationAddress {
	var addrs []grain.ActivationAddress
	c.activations.Range(func(_ grain.Identity, a *activation) {
		addrs = append(addrs, a.address)
	})
	return addrs
}

// DeactivateAll drains every activation, used on silo shutdown.
func (c *Catalog) DeactivateAll(reason string) {
	c.stopping.Store(true)
	c.activations.Range(func(_ grain.Identity, a *activation) {
		c.Deactivate(a, reason)
	})
}

// OnSiloStatusChange reacts to membership changes: outstanding calls to
// vanished silos are failed so their turns do not hang until timeout.
func (c *Catalog) OnSiloStatusChange(delta *cluster.Delta) {
	for _, change := range delta.StatusChanged {
		if change.Current == cluster.Dead {
			c.dispatcher.FailPendingTo(change.Silo)
		}
	}
	for _, removed := range delta.Removed {
		c.dispatcher.FailPendingTo(removed)
	}
}
