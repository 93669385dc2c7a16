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
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/directory"
	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/hash"
	"github.com/silogrid/silogrid/internal/ticker"
	"github.com/silogrid/silogrid/internal/workerpool"
	"github.com/silogrid/silogrid/log"
	"github.com/silogrid/silogrid/remote"
)

// drainTimeout bounds how long Stop waits for the system pool to finish
// queued work.
const drainTimeout = 10 * time.Second

// Silo is one server process of the cluster. It wires membership, directory,
// catalog, scheduler and dispatcher together and drives their lifecycle.
type Silo struct {
	local     cluster.SiloAddress
	provider  cluster.Provider
	transport remote.Transport
	config    *Config
	logger    log.Logger
	hasher    hash.Hasher

	registry   *Registry
	dir        *directory.LocalDirectory
	collector  *Collector
	catalog    *Catalog
	dispatcher *Dispatcher

	systemPool *workerpool.Pool
	appPool    *workerpool.Pool

	sweepTicker *ticker.Ticker
	deltas      chan *cluster.Delta
	unsubscribe func()
	done        chan struct{}

	started atomic.Bool
	stopped atomic.Bool
}

// New assembles a silo. The membership provider and transport are injected;
// everything else is built here.
func New(local cluster.SiloAddress, provider cluster.Provider, transport remote.Transport, opts ...Option) (*Silo, error) {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	hasher := hash.DefaultHasher()
	systemPool := workerpool.New("system", config.Logger)
	appPool := workerpool.New("application", config.Logger)

	s := &Silo{
		local:      local,
		provider:   provider,
		transport:  transport,
		config:     config,
		logger:     config.Logger,
		hasher:     hasher,
		registry:   NewRegistry(),
		collector:  NewCollector(config.CollectionQuantum, config.Logger),
		systemPool: systemPool,
		appPool:    appPool,
		deltas:     make(chan *cluster.Delta, 64),
		done:       make(chan struct{}),
	}

	s.catalog = NewCatalog(local, s.registry, nil, s.collector, hasher, config, systemPool, appPool)
	// the dispatcher is the directory's transceiver; the directory is the
	// dispatcher's resolver; the transceiver seam is an interface, and both
	// links are wired here once
	s.dispatcher = NewDispatcher(local, transport, nil, s.catalog, provider, config, systemPool, appPool)
	s.dir = directory.New(local, hasher, provider, s.dispatcher, config.Logger, config.directoryConfig())
	s.catalog.dir = s.dir
	s.dispatcher.dir = s.dir

	return s, nil
}

// Address returns the silo's address.
func (s *Silo) Address() cluster.SiloAddress {
	return s.local
}

// Registry returns the grain factory registry.
func (s *Silo) Registry() *Registry {
	return s.registry
}

// Directory returns the local grain directory.
func (s *Silo) Directory() *directory.LocalDirectory {
	return s.dir
}

// Dispatcher returns the message center.
func (s *Silo) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Catalog returns the local activation catalog.
func (s *Silo) Catalog() *Catalog {
	return s.catalog
}

// Ref returns a proxy for the given grain.
func (s *Silo) Ref(kind, name string) *GrainRef {
	return s.dispatcher.Ref(grain.NewIdentity(kind, name), 0)
}

// Deactivate drains and removes the local activation of the given grain, if
// any. Returns false when the grain is not active on this silo.
func (s *Silo) Deactivate(identity grain.Identity, reason string) bool {
	act, ok := s.catalog.Activation(identity)
	if !ok {
		return false
	}
	return s.catalog.Deactivate(act, reason)
}

// Start brings the silo up: pools, transport, membership subscription, and
// the initial directory stabilization window.
func (s *Silo) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Infof("starting silo %s", s.local)

	s.systemPool.Start()
	s.appPool.Start()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.transport.Start(gctx) })
	if err := group.Wait(); err != nil {
		return err
	}

	s.unsubscribe = s.provider.Subscribe(s.deltas)
	go s.membershipLoop()

	s.config.AnnounceStatus(cluster.Active)
	s.dir.WaitForStabilization(ctx)

	quantum := s.config.CollectionQuantum
	s.sweepTicker = ticker.New(quantum)
	s.sweepTicker.Start()
	go s.sweepLoop()

	s.logger.Infof("silo %s is active", s.local)
	return nil
}

// Stop takes the silo down gracefully: announce shutdown, drain
// activations, hand the directory partition off, then stop the pools and
// the transport.
func (s *Silo) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return gerrors.ErrSiloNotStarted
	}
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Infof("stopping silo %s", s.local)

	s.config.AnnounceStatus(cluster.ShuttingDown)
	s.dispatcher.StopApplicationTurns()
	s.sweepTicker.Stop()

	// drain local activations; their teardown runs behind admitted work.
	// Whatever has not unregistered itself by handoff time is batch-removed
	// so the split does not ship entries pointing at this dying silo.
	s.catalog.DeactivateAll("silo shutdown")
	if remaining := s.catalog.ActivationAddresses(); len(remaining) > 0 {
		if uerr := s.dir.UnregisterMany(ctx, remaining, "silo shutdown"); uerr != nil {
			s.logger.Warnf("failed to batch-unregister %d activations: %v", len(remaining), uerr)
		}
	}

	// transfer the authoritative partition before reporting Stopping
	err := s.dir.PerformHandoff(ctx)
	s.config.AnnounceStatus(cluster.Stopping)

	s.appPool.Stop()
	if !s.systemPool.Drain(drainTimeout) {
		err = multierr.Append(err, gerrors.ErrRequestTimeout)
	}

	close(s.done)
	s.unsubscribe()
	err = multierr.Append(err, s.transport.Stop(ctx))

	s.config.AnnounceStatus(cluster.Dead)
	s.logger.Infof("silo %s stopped", s.local)
	return err
}

// membershipLoop feeds deltas to the directory and catalog. Each component
// tolerates arbitrary interleaving with its own work; the loop only
// guarantees per-observer version monotonicity, inherited from the provider.
func (s *Silo) membershipLoop() {
	for {
		select {
		case <-s.done:
			return
		case delta := <-s.deltas:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.ResponseTimeout)
			s.dir.OnDelta(ctx, delta)
			cancel()
			s.catalog.OnSiloStatusChange(delta)
		}
	}
}

// sweepLoop drives idle collection off the time wheel.
func (s *Silo) sweepLoop() {
	for {
		select {
		case <-s.done:
			return
		case now := <-s.sweepTicker.Ticks:
			s.catalog.CollectIdle(now)
		}
	}
}
