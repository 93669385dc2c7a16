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

package directory

import (
	stderrors "errors"
	"context"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"go.uber.org/atomic"

	"github.com/silogrid/silogrid/cluster"
	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/hash"
	"github.com/silogrid/silogrid/log"
	"github.com/silogrid/silogrid/remote"
)

// Transceiver performs a directory control-plane round trip against another
// silo. Implemented by the dispatcher, which frames the request, correlates
// the reply and classifies rejections.
type Transceiver interface {
	RoundTrip(ctx context.Context, target cluster.SiloAddress, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error)
}

// Config tunes the local directory.
type Config struct {
	// HopLimit is the maximum number of forwarding hops before a request
	// fails definitely.
	HopLimit uint8
	// StabilizationAttempts and StabilizationDelay bound the wait for a
	// handoff split from the predecessor at join time.
	StabilizationAttempts int
	StabilizationDelay    time.Duration
	// RetryAttempts, RetryMinBackoff and RetryMaxBackoff shape the retry of
	// remote directory calls after a transient failure and membership refresh.
	RetryAttempts   int
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	// CacheSize bounds the read-through cache.
	CacheSize int
}

// DefaultConfig returns the default directory tuning.
func DefaultConfig() Config {
	return Config{
		HopLimit:              6,
		StabilizationAttempts: 80,
		StabilizationDelay:    50 * time.Millisecond,
		RetryAttempts:         3,
		RetryMinBackoff:       50 * time.Millisecond,
		RetryMaxBackoff:       500 * time.Millisecond,
		CacheSize:             defaultCacheSize,
	}
}

// LocalDirectory owns this silo's partition and cache and implements the
// routing protocol: compute the partition owner from the current membership
// view, execute locally when the owner is this silo, forward otherwise with
// a hop budget.
type LocalDirectory struct {
	local       cluster.SiloAddress
	hasher      hash.Hasher
	provider    cluster.Provider
	transceiver Transceiver
	partition   *Partition
	cache       *Cache
	logger      log.Logger
	config      Config

	handoffMu    sync.Mutex
	acceptedFrom map[cluster.SiloAddress]time.Time
	pendingSplit map[cluster.SiloAddress][]Entry

	splitReceived atomic.Bool
	handedOff     atomic.Bool
	successor     atomic.Pointer[cluster.SiloAddress]
}

// New creates the local directory for the given silo.
func New(local cluster.SiloAddress, hasher hash.Hasher, provider cluster.Provider, transceiver Transceiver, logger log.Logger, config Config) *LocalDirectory {
	return &LocalDirectory{
		local:        local,
		hasher:       hasher,
		provider:     provider,
		transceiver:  transceiver,
		partition:    NewPartition(),
		cache:        NewCache(config.CacheSize),
		logger:       logger,
		config:       config,
		acceptedFrom: make(map[cluster.SiloAddress]time.Time),
		pendingSplit: make(map[cluster.SiloAddress][]Entry),
	}
}

// Partition exposes the partition for tests and the silo façade.
func (d *LocalDirectory) Partition() *Partition {
	return d.partition
}

// RegisterSingle registers addr under the single-activation rule and returns
// the winning address. When the returned address differs from addr, another
// activation won and the caller must tear its own down.
func (d *LocalDirectory) RegisterSingle(ctx context.Context, addr grain.ActivationAddress) (grain.ActivationAddress, uint64, error) {
	req := &remote.ControlRequest{
		Kind:    remote.ControlRegister,
		Address: remote.ToWireAddress(addr),
		Single:  true,
	}
	resp, err := d.execute(ctx, req, 0)
	if err != nil {
		return grain.ActivationAddress{}, 0, err
	}
	winner, err := resp.Address.Address()
	if err != nil {
		return grain.ActivationAddress{}, 0, err
	}
	d.cache.Put(addr.Grain, []grain.ActivationAddress{winner}, resp.Etag)
	return winner, resp.Etag, nil
}

// Unregister removes addr from the directory.
func (d *LocalDirectory) Unregister(ctx context.Context, addr grain.ActivationAddress, cause string) error {
	d.cache.Invalidate(addr.Grain)
	req := &remote.ControlRequest{
		Kind:    remote.ControlUnregister,
		Address: remote.ToWireAddress(addr),
		Cause:   cause,
	}
	_, err := d.execute(ctx, req, 0)
	return err
}

// Lookup resolves the grain against the authoritative partition owner and
// refreshes the cache. It does not consult the cache; callers wanting the
// fast path use CachedLookup first.
func (d *LocalDirectory) Lookup(ctx context.Context, identity grain.Identity) ([]grain.ActivationAddress, uint64, error) {
	req := &remote.ControlRequest{
		Kind:  remote.ControlLookup,
		Grain: identity.String(),
	}
	resp, err := d.execute(ctx, req, 0)
	if err != nil {
		return nil, 0, err
	}
	addresses := make([]grain.ActivationAddress, 0, len(resp.Addresses))
	for _, wire := range resp.Addresses {
		addr, err := wire.Address()
		if err != nil {
			return nil, 0, err
		}
		addresses = append(addresses, addr)
	}
	if len(addresses) > 0 {
		d.cache.Put(identity, addresses, resp.Etag)
	}
	return addresses, resp.Etag, nil
}

// UnregisterMany removes a batch of activation addresses, grouping them by
// their partition owner so each control frame stays single-owner. Used by a
// silo tearing down its remaining activations at shutdown.
func (d *LocalDirectory) UnregisterMany(ctx context.Context, addrs []grain.ActivationAddress, cause string) error {
	view := d.provider.Snapshot()
	ring := cluster.NewRing(view, d.hasher)

	groups := make(map[cluster.SiloAddress][]remote.WireAddress)
	for _, addr := range addrs {
		d.cache.Invalidate(addr.Grain)
		owner, ok := ring.PartitionOwner(addr.Grain.RingHash(d.hasher))
		if !ok {
			return gerrors.ErrDirectoryUnavailable
		}
		groups[owner] = append(groups[owner], remote.ToWireAddress(addr))
	}

	var lastErr error
	for _, batch := range groups {
		req := &remote.ControlRequest{
			Kind:  remote.ControlUnregisterMany,
			Cause: cause,
			Batch: batch,
		}
		if _, err := d.execute(ctx, req, 0); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LookupMany revalidates a batch of cached resolutions against their owners:
// entries whose etag is still current come back NotChanged, moved or removed
// grains refresh or drop their cache entries.
func (d *LocalDirectory) LookupMany(ctx context.Context, identities []grain.Identity) error {
	view := d.provider.Snapshot()
	ring := cluster.NewRing(view, d.hasher)

	// one batch per owner: a control frame never spans partitions
	groups := make(map[cluster.SiloAddress][]remote.LookupItem)
	for _, identity := range identities {
		owner, ok := ring.PartitionOwner(identity.RingHash(d.hasher))
		if !ok {
			return gerrors.ErrDirectoryUnavailable
		}
		etag := uint64(0)
		if entry, ok := d.cache.Get(identity); ok {
			etag = entry.Etag
		}
		groups[owner] = append(groups[owner], remote.LookupItem{Grain: identity.String(), Etag: etag})
	}

	var results []remote.LookupResult
	for _, items := range groups {
		req := &remote.ControlRequest{Kind: remote.ControlLookupMany, Lookups: items}
		resp, err := d.execute(ctx, req, 0)
		if err != nil {
			return err
		}
		results = append(results, resp.Results...)
	}

	for _, result := range results {
		identity, err := grain.ParseIdentity(result.Grain)
		if err != nil {
			return err
		}
		switch result.Status {
		case remote.LookupNotChanged:
			// cache entry is still current
		case remote.LookupNotFound:
			d.cache.Invalidate(identity)
		case remote.LookupFound:
			addresses := make([]grain.ActivationAddress, 0, len(result.Addresses))
			for _, wire := range result.Addresses {
				addr, err := wire.Address()
				if err != nil {
					return err
				}
				addresses = append(addresses, addr)
			}
			d.cache.Put(identity, addresses, result.Etag)
		}
	}
	return nil
}

// Delete removes every activation entry of the grain.
func (d *LocalDirectory) Delete(ctx context.Context, identity grain.Identity) error {
	d.cache.Invalidate(identity)
	req := &remote.ControlRequest{
		Kind:  remote.ControlDelete,
		Grain: identity.String(),
	}
	_, err := d.execute(ctx, req, 0)
	return err
}

// CachedLookup returns the cached resolution for the grain, if any.
func (d *LocalDirectory) CachedLookup(identity grain.Identity) (CacheEntry, bool) {
	return d.cache.Get(identity)
}

// InvalidateCache drops the cache entry carrying the given etag; a zero etag
// drops unconditionally. Called on NonexistentActivation rejections.
func (d *LocalDirectory) InvalidateCache(identity grain.Identity, etag uint64) {
	d.cache.InvalidateEtag(identity, etag)
}

// HandleRequest executes an inbound control-plane request forwarded by
// another silo, at the given hop depth.
func (d *LocalDirectory) HandleRequest(ctx context.Context, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error) {
	return d.execute(ctx, req, hop)
}

// execute runs the routing algorithm for one control request.
func (d *LocalDirectory) execute(ctx context.Context, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error) {
	// split transfer operations always execute where they arrive
	switch req.Kind {
	case remote.ControlAcceptSplit:
		return d.acceptSplit(req)
	case remote.ControlRemoveHandoffPartition:
		return d.removeHandoffPartition(req)
	}

	identity, err := d.routingIdentity(req)
	if err != nil {
		return nil, err
	}

	view := d.provider.Snapshot()
	ring := cluster.NewRing(view, d.hasher)
	owner, ok := ring.PartitionOwner(identity.RingHash(d.hasher))
	if !ok {
		return nil, gerrors.ErrDirectoryUnavailable
	}

	if owner == d.local {
		if d.handedOff.Load() {
			// this silo is on its way out: its range belongs to the successor now
			if successor := d.successor.Load(); successor != nil {
				return d.forward(ctx, *successor, req, hop)
			}
			return nil, gerrors.ErrDirectoryUnavailable
		}
		return d.applyLocal(req)
	}

	// an owner that already handed its range to us may still look Active in
	// our view; its entries live here
	d.handoffMu.Lock()
	_, accepted := d.acceptedFrom[owner]
	d.handoffMu.Unlock()
	if accepted {
		return d.applyLocal(req)
	}

	return d.forward(ctx, owner, req, hop)
}

func (d *LocalDirectory) forward(ctx context.Context, target cluster.SiloAddress, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error) {
	if hop+1 > d.config.HopLimit {
		return nil, gerrors.ErrHopLimitExceeded
	}

	var resp *remote.ControlResponse
	var definite error
	retrier := retry.NewRetrier(d.config.RetryAttempts, d.config.RetryMinBackoff, d.config.RetryMaxBackoff)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		version := d.provider.Snapshot().Version()
		var callErr error
		resp, callErr = d.transceiver.RoundTrip(ctx, target, req, hop+1)
		if callErr == nil {
			return nil
		}
		if isDefinite(callErr) {
			definite = callErr
			return retry.Stop(callErr)
		}
		// transient: refresh membership past the version that misrouted us,
		// then let the retrier re-dispatch
		refreshCtx, cancel := context.WithTimeout(ctx, d.config.RetryMaxBackoff)
		_ = d.provider.RefreshAtLeast(refreshCtx, version+1)
		cancel()
		return callErr
	})
	if definite != nil {
		return nil, definite
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// isDefinite reports whether the error is a definite routing failure that
// must not be retried.
func isDefinite(err error) bool {
	return stderrors.Is(err, gerrors.ErrHopLimitExceeded) ||
		stderrors.Is(err, gerrors.ErrDirectoryUnavailable) ||
		stderrors.Is(err, gerrors.ErrForwardCountExceeded)
}

func (d *LocalDirectory) routingIdentity(req *remote.ControlRequest) (grain.Identity, error) {
	switch req.Kind {
	case remote.ControlRegister, remote.ControlUnregister:
		addr, err := req.Address.Address()
		if err != nil {
			return grain.Identity{}, err
		}
		return addr.Grain, nil
	case remote.ControlLookup, remote.ControlDelete:
		return grain.ParseIdentity(req.Grain)
	case remote.ControlUnregisterMany:
		// batches are owner-grouped by the sender; route by the first element
		if len(req.Batch) == 0 {
			return grain.Identity{}, gerrors.ErrInvalidMessage
		}
		addr, err := req.Batch[0].Address()
		if err != nil {
			return grain.Identity{}, err
		}
		return addr.Grain, nil
	case remote.ControlLookupMany:
		if len(req.Lookups) == 0 {
			return grain.Identity{}, gerrors.ErrInvalidMessage
		}
		return grain.ParseIdentity(req.Lookups[0].Grain)
	default:
		return grain.Identity{}, gerrors.ErrInvalidMessage
	}
}

// applyLocal executes the request against the local partition.
func (d *LocalDirectory) applyLocal(req *remote.ControlRequest) (*remote.ControlResponse, error) {
	switch req.Kind {
	case remote.ControlRegister:
		addr, err := req.Address.Address()
		if err != nil {
			return nil, err
		}
		var winner grain.ActivationAddress
		var etag uint64
		if req.Single {
			winner, etag = d.partition.AddSingleActivation(addr)
		} else {
			etag = d.partition.AddActivation(addr)
			winner = addr
		}
		return &remote.ControlResponse{Address: remote.ToWireAddress(winner), Etag: etag}, nil

	case remote.ControlUnregister:
		addr, err := req.Address.Address()
		if err != nil {
			return nil, err
		}
		d.partition.RemoveActivation(addr.Grain, addr.Activation)
		return &remote.ControlResponse{}, nil

	case remote.ControlUnregisterMany:
		for _, wire := range req.Batch {
			addr, err := wire.Address()
			if err != nil {
				return nil, err
			}
			d.partition.RemoveActivation(addr.Grain, addr.Activation)
		}
		return &remote.ControlResponse{}, nil

	case remote.ControlLookup:
		identity, err := grain.ParseIdentity(req.Grain)
		if err != nil {
			return nil, err
		}
		addresses, etag, _ := d.partition.Lookup(identity)
		wires := make([]remote.WireAddress, 0, len(addresses))
		for _, addr := range addresses {
			wires = append(wires, remote.ToWireAddress(addr))
		}
		return &remote.ControlResponse{Addresses: wires, Etag: etag}, nil

	case remote.ControlLookupMany:
		results := make([]remote.LookupResult, 0, len(req.Lookups))
		for _, item := range req.Lookups {
			identity, err := grain.ParseIdentity(item.Grain)
			if err != nil {
				return nil, err
			}
			addresses, etag, found := d.partition.Lookup(identity)
			switch {
			case !found:
				results = append(results, remote.LookupResult{Grain: item.Grain, Status: remote.LookupNotFound})
			case etag == item.Etag:
				results = append(results, remote.LookupResult{Grain: item.Grain, Status: remote.LookupNotChanged, Etag: etag})
			default:
				wires := make([]remote.WireAddress, 0, len(addresses))
				for _, addr := range addresses {
					wires = append(wires, remote.ToWireAddress(addr))
				}
				results = append(results, remote.LookupResult{Grain: item.Grain, Status: remote.LookupFound, Addresses: wires, Etag: etag})
			}
		}
		return &remote.ControlResponse{Results: results}, nil

	case remote.ControlDelete:
		identity, err := grain.ParseIdentity(req.Grain)
		if err != nil {
			return nil, err
		}
		d.partition.Delete(identity)
		return &remote.ControlResponse{}, nil

	default:
		return nil, gerrors.ErrInvalidMessage
	}
}

// acceptSplit takes over partition entries handed off by another silo.
func (d *LocalDirectory) acceptSplit(req *remote.ControlRequest) (*remote.ControlResponse, error) {
	source, err := cluster.ParseSiloAddress(req.SourceSilo)
	if err != nil {
		return nil, err
	}
	for _, wire := range req.Batch {
		addr, err := wire.Address()
		if err != nil {
			return nil, err
		}
		d.partition.AddSingleActivation(addr)
	}

	d.handoffMu.Lock()
	d.acceptedFrom[source] = time.Now()
	d.handoffMu.Unlock()
	d.splitReceived.Store(true)

	d.logger.Infof("accepted directory split of %d entries from %s", len(req.Batch), source)
	return &remote.ControlResponse{}, nil
}

// removeHandoffPartition discards the marker of a previously accepted
// handoff once the source owns its range again.
func (d *LocalDirectory) removeHandoffPartition(req *remote.ControlRequest) (*remote.ControlResponse, error) {
	source, err := cluster.ParseSiloAddress(req.SourceSilo)
	if err != nil {
		return nil, err
	}
	d.handoffMu.Lock()
	delete(d.acceptedFrom, source)
	d.handoffMu.Unlock()
	return &remote.ControlResponse{}, nil
}

// OnDelta reacts to a membership change: cache invalidation, scrubbing of
// entries on dead silos, and handoff splits towards joining silos.
func (d *LocalDirectory) OnDelta(ctx context.Context, delta *cluster.Delta) {
	view := delta.View
	ring := cluster.NewRing(view, d.hasher)

	ownerOf := func(identity grain.Identity) (cluster.SiloAddress, bool) {
		return ring.PartitionOwner(identity.RingHash(d.hasher))
	}

	for _, added := range delta.Added {
		d.onSiloUp(ctx, added, ring, ownerOf)
	}
	for _, change := range delta.StatusChanged {
		switch {
		case change.Current == cluster.Active && change.Previous == cluster.Joining:
			d.onSiloUp(ctx, change.Silo, ring, ownerOf)
		case change.Current == cluster.Dead:
			d.onSiloDown(change.Silo, view)
		}
	}
	for _, removed := range delta.Removed {
		d.onSiloDown(removed, view)
	}

	// re-send splits that were not acknowledged before the previous delta
	d.resendPendingSplits(ctx)
}

func (d *LocalDirectory) onSiloUp(ctx context.Context, silo cluster.SiloAddress, ring *cluster.Ring, ownerOf func(grain.Identity) (cluster.SiloAddress, bool)) {
	if silo == d.local || !ring.Contains(silo) {
		return
	}

	// entries whose hash now maps to the newcomer may be owned elsewhere
	d.cache.InvalidateOwnedBy(func(identity grain.Identity) bool {
		owner, ok := ownerOf(identity)
		return ok && owner == silo
	})

	// hand over the slice of our partition the newcomer now owns
	items := d.partition.ItemsOwnedBy(silo, ownerOf)
	if len(items) == 0 {
		return
	}
	d.sendSplit(ctx, silo, items)
}

func (d *LocalDirectory) onSiloDown(silo cluster.SiloAddress, view *cluster.View) {
	d.cache.InvalidateSilo(silo)
	if removed := d.partition.Scrub(view); len(removed) > 0 {
		d.logger.Infof("scrubbed %d directory entries pointing to %s", len(removed), silo)
	}
	d.handoffMu.Lock()
	delete(d.acceptedFrom, silo)
	delete(d.pendingSplit, silo)
	d.handoffMu.Unlock()
}

// sendSplit transfers items to their new owner, removing them locally only
// after acknowledgement. Unacknowledged splits are retried on the next
// membership delta.
func (d *LocalDirectory) sendSplit(ctx context.Context, target cluster.SiloAddress, items []Entry) {
	batch := make([]remote.WireAddress, 0, len(items))
	for _, item := range items {
		batch = append(batch, remote.ToWireAddress(item.Address))
	}
	req := &remote.ControlRequest{
		Kind:       remote.ControlAcceptSplit,
		SourceSilo: d.local.String(),
		Batch:      batch,
	}

	if _, err := d.transceiver.RoundTrip(ctx, target, req, 0); err != nil {
		d.logger.Warnf("directory split to %s failed, will retry: %v", target, err)
		d.handoffMu.Lock()
		d.pendingSplit[target] = items
		d.handoffMu.Unlock()
		return
	}

	d.partition.RemoveAll(items)
	d.logger.Infof("split %d directory entries to %s", len(items), target)
}

func (d *LocalDirectory) resendPendingSplits(ctx context.Context) {
	d.handoffMu.Lock()
	pending := d.pendingSplit
	d.pendingSplit = make(map[cluster.SiloAddress][]Entry)
	d.handoffMu.Unlock()

	view := d.provider.Snapshot()
	for target, items := range pending {
		if view.IsDead(target) {
			continue
		}
		d.sendSplit(ctx, target, items)
	}
}

// PerformHandoff transfers the whole partition to its new owners during this
// silo's shutdown. The caller must have announced ShuttingDown first so that
// the ring no longer places this silo.
func (d *LocalDirectory) PerformHandoff(ctx context.Context) error {
	view := d.provider.Snapshot()
	ring := cluster.NewRing(view, d.hasher)
	if ring.IsEmpty() {
		// last silo out: nobody to hand off to
		d.partition.Clear()
		d.handedOff.Store(true)
		return nil
	}

	// group entries by their owner under the ring without us
	batches := make(map[cluster.SiloAddress][]Entry)
	for _, item := range d.partition.GetItems() {
		owner, ok := ring.PartitionOwner(item.Address.Grain.RingHash(d.hasher))
		if !ok {
			continue
		}
		batches[owner] = append(batches[owner], item)
	}
	for target, items := range batches {
		d.sendSplit(ctx, target, items)
	}

	if successor, ok := d.firstOwner(ring); ok {
		d.successor.Store(&successor)
	}
	d.partition.Clear()
	d.handedOff.Store(true)
	return nil
}

// firstOwner picks the silo that takes over this silo's own ring position.
func (d *LocalDirectory) firstOwner(ring *cluster.Ring) (cluster.SiloAddress, bool) {
	return ring.PartitionOwner(d.local.RingHash(d.hasher))
}

// WaitForStabilization blocks a freshly joined silo, up to the configured
// window, until at least one handoff split arrived from a predecessor. A
// silo that is alone in the cluster proceeds immediately; after the window
// expires the silo proceeds regardless.
func (d *LocalDirectory) WaitForStabilization(ctx context.Context) {
	view := d.provider.Snapshot()
	others := 0
	for silo, status := range view.Members() {
		if silo != d.local && status == cluster.Active {
			others++
		}
	}
	if others == 0 {
		return
	}

	for attempt := 0; attempt < d.config.StabilizationAttempts; attempt++ {
		if d.splitReceived.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.config.StabilizationDelay):
		}
	}
	d.logger.Warn("initial directory stabilization window expired without a handoff split")
}
