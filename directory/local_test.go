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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silogrid/silogrid/cluster"
	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/hash"
	"github.com/silogrid/silogrid/log"
	"github.com/silogrid/silogrid/remote"
)

type recordedCall struct {
	target cluster.SiloAddress
	req    *remote.ControlRequest
	hop    uint8
}

// fakeTransceiver records control round trips and answers them with a
// configurable function.
type fakeTransceiver struct {
	mu      sync.Mutex
	calls   []recordedCall
	respond func(target cluster.SiloAddress, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error)
}

func (f *fakeTransceiver) RoundTrip(_ context.Context, target cluster.SiloAddress, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{target: target, req: req, hop: hop})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(target, req, hop)
	}
	return &remote.ControlResponse{}, nil
}

func (f *fakeTransceiver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransceiver) lastCall() recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// grainOwnedBy scans for a grain identity whose partition owner under the
// given view is the wanted silo.
func grainOwnedBy(t *testing.T, view *cluster.View, hasher hash.Hasher, wanted cluster.SiloAddress) grain.Identity {
	t.Helper()
	ring := cluster.NewRing(view, hasher)
	for i := 0; i < 100_000; i++ {
		identity := grain.NewIdentity("thermostat", fmt.Sprintf("room%d", i))
		owner, ok := ring.PartitionOwner(identity.RingHash(hasher))
		require.True(t, ok)
		if owner.Equal(wanted) {
			return identity
		}
	}
	t.Fatalf("no grain hashes to silo %s", wanted)
	return grain.Identity{}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 1
	cfg.StabilizationAttempts = 2
	cfg.StabilizationDelay = 10 * time.Millisecond
	return cfg
}

func TestLocalDirectorySingleSilo(t *testing.T) {
	local := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	provider := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{local: cluster.Active})
	hasher := hash.DefaultHasher()
	transceiver := &fakeTransceiver{}
	dir := New(local, hasher, provider, transceiver, log.DiscardLogger, testConfig())

	ctx := context.Background()
	identity := grain.NewIdentity("thermostat", "roomA")
	addr := grain.NewActivationAddress(local, identity, grain.NewActivationID())

	t.Run("With register executing locally", func(t *testing.T) {
		winner, etag, err := dir.RegisterSingle(ctx, addr)
		require.NoError(t, err)
		assert.True(t, winner.Equal(addr))
		assert.NotZero(t, etag)
		assert.Zero(t, transceiver.callCount(), "the only silo never forwards")

		entry, ok := dir.CachedLookup(identity)
		require.True(t, ok)
		assert.Equal(t, etag, entry.Etag)
	})

	t.Run("With lookup returning the registration", func(t *testing.T) {
		addresses, _, err := dir.Lookup(ctx, identity)
		require.NoError(t, err)
		require.Len(t, addresses, 1)
		assert.True(t, addresses[0].Equal(addr))
	})

	t.Run("With unregister removing entry and cache", func(t *testing.T) {
		require.NoError(t, dir.Unregister(ctx, addr, "test"))
		addresses, _, err := dir.Lookup(ctx, identity)
		require.NoError(t, err)
		assert.Empty(t, addresses)
		_, ok := dir.CachedLookup(identity)
		assert.False(t, ok)
	})
}

func TestLocalDirectoryBatches(t *testing.T) {
	local := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	provider := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{local: cluster.Active})
	hasher := hash.DefaultHasher()
	dir := New(local, hasher, provider, &fakeTransceiver{}, log.DiscardLogger, testConfig())
	ctx := context.Background()

	roomA := grain.NewActivationAddress(local, grain.NewIdentity("thermostat", "roomA"), grain.NewActivationID())
	roomB := grain.NewActivationAddress(local, grain.NewIdentity("thermostat", "roomB"), grain.NewActivationID())

	_, _, err := dir.RegisterSingle(ctx, roomA)
	require.NoError(t, err)
	_, _, err = dir.RegisterSingle(ctx, roomB)
	require.NoError(t, err)

	t.Run("With lookup-many leaving current entries alone", func(t *testing.T) {
		require.NoError(t, dir.LookupMany(ctx, []grain.Identity{roomA.Grain, roomB.Grain}))
		_, ok := dir.CachedLookup(roomA.Grain)
		assert.True(t, ok)
	})

	t.Run("With lookup-many dropping removed grains", func(t *testing.T) {
		dir.Partition().RemoveActivation(roomB.Grain, roomB.Activation)
		require.NoError(t, dir.LookupMany(ctx, []grain.Identity{roomA.Grain, roomB.Grain}))
		_, ok := dir.CachedLookup(roomB.Grain)
		assert.False(t, ok, "a NotFound result evicts the cache entry")
		_, ok = dir.CachedLookup(roomA.Grain)
		assert.True(t, ok)
	})

	t.Run("With unregister-many removing a batch", func(t *testing.T) {
		require.NoError(t, dir.UnregisterMany(ctx, []grain.ActivationAddress{roomA, roomB}, "shutdown"))
		_, _, found := dir.Partition().Lookup(roomA.Grain)
		assert.False(t, found)
	})
}

func TestLocalDirectoryForwarding(t *testing.T) {
	local := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	peer := cluster.NewSiloAddress("10.0.0.2", 5001, 1)
	provider := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{
		local: cluster.Active,
		peer:  cluster.Active,
	})
	hasher := hash.DefaultHasher()
	view := provider.Snapshot()
	remoteOwned := grainOwnedBy(t, view, hasher, peer)

	t.Run("With forwarded register carrying incremented hop", func(t *testing.T) {
		winner := grain.NewActivationAddress(local, remoteOwned, grain.NewActivationID())
		transceiver := &fakeTransceiver{
			respond: func(_ cluster.SiloAddress, _ *remote.ControlRequest, _ uint8) (*remote.ControlResponse, error) {
				return &remote.ControlResponse{Address: remote.ToWireAddress(winner), Etag: 1}, nil
			},
		}
		dir := New(local, hasher, provider, transceiver, log.DiscardLogger, testConfig())

		got, _, err := dir.RegisterSingle(context.Background(), winner)
		require.NoError(t, err)
		assert.True(t, got.Equal(winner))

		call := transceiver.lastCall()
		assert.True(t, call.target.Equal(peer))
		assert.EqualValues(t, 1, call.hop)
	})

	t.Run("With hop limit rejecting over-forwarded requests", func(t *testing.T) {
		transceiver := &fakeTransceiver{}
		cfg := testConfig()
		dir := New(local, hasher, provider, transceiver, log.DiscardLogger, cfg)

		req := &remote.ControlRequest{Kind: remote.ControlLookup, Grain: remoteOwned.String()}
		_, err := dir.HandleRequest(context.Background(), req, cfg.HopLimit)
		assert.ErrorIs(t, err, gerrors.ErrHopLimitExceeded)
		assert.Zero(t, transceiver.callCount(), "nothing is sent once the budget is exhausted")
	})

	t.Run("With definite errors not retried", func(t *testing.T) {
		transceiver := &fakeTransceiver{
			respond: func(cluster.SiloAddress, *remote.ControlRequest, uint8) (*remote.ControlResponse, error) {
				return nil, gerrors.ErrDirectoryUnavailable
			},
		}
		cfg := testConfig()
		cfg.RetryAttempts = 3
		dir := New(local, hasher, provider, transceiver, log.DiscardLogger, cfg)

		_, _, err := dir.Lookup(context.Background(), remoteOwned)
		assert.ErrorIs(t, err, gerrors.ErrDirectoryUnavailable)
		assert.Equal(t, 1, transceiver.callCount())
	})
}

func TestLocalDirectoryHandoff(t *testing.T) {
	hasher := hash.DefaultHasher()
	local := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	successor := cluster.NewSiloAddress("10.0.0.2", 5001, 1)

	t.Run("With shutdown splitting the partition", func(t *testing.T) {
		provider := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{
			local:     cluster.Active,
			successor: cluster.Active,
		})
		transceiver := &fakeTransceiver{}
		dir := New(local, hasher, provider, transceiver, log.DiscardLogger, testConfig())

		locallyOwned := grainOwnedBy(t, provider.Snapshot(), hasher, local)
		addr := grain.NewActivationAddress(local, locallyOwned, grain.NewActivationID())
		dir.Partition().AddSingleActivation(addr)

		// announce shutdown so the ring stops placing this silo
		provider.SetStatus(local, cluster.ShuttingDown)
		require.NoError(t, dir.PerformHandoff(context.Background()))

		require.GreaterOrEqual(t, transceiver.callCount(), 1)
		call := transceiver.lastCall()
		assert.Equal(t, remote.ControlAcceptSplit, call.req.Kind)
		assert.True(t, call.target.Equal(successor))
		assert.Zero(t, dir.Partition().Len(), "the partition is cleared after handoff")

		// operations arriving after handoff are forwarded to the new owner
		req := &remote.ControlRequest{Kind: remote.ControlLookup, Grain: locallyOwned.String()}
		_, err := dir.HandleRequest(context.Background(), req, 0)
		require.NoError(t, err)
		assert.Equal(t, remote.ControlLookup, transceiver.lastCall().req.Kind)
		assert.True(t, transceiver.lastCall().target.Equal(successor))
	})

	t.Run("With accepted split making the receiver authoritative", func(t *testing.T) {
		provider := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{
			local:     cluster.Active,
			successor: cluster.Active,
		})
		transceiver := &fakeTransceiver{}
		dir := New(successor, hasher, provider, transceiver, log.DiscardLogger, testConfig())

		locallyOwned := grainOwnedBy(t, provider.Snapshot(), hasher, local)
		addr := grain.NewActivationAddress(local, locallyOwned, grain.NewActivationID())

		split := &remote.ControlRequest{
			Kind:       remote.ControlAcceptSplit,
			SourceSilo: local.String(),
			Batch:      []remote.WireAddress{remote.ToWireAddress(addr)},
		}
		_, err := dir.HandleRequest(context.Background(), split, 0)
		require.NoError(t, err)

		// the grain's hash owner is still the source silo in this view, but
		// the receiver holds its entries now and serves lookups directly
		lookup := &remote.ControlRequest{Kind: remote.ControlLookup, Grain: locallyOwned.String()}
		resp, err := dir.HandleRequest(context.Background(), lookup, 0)
		require.NoError(t, err)
		require.Len(t, resp.Addresses, 1)
		assert.Zero(t, transceiver.callCount(), "no forwarding back to the source")
	})
}

func TestLocalDirectoryMembershipChurn(t *testing.T) {
	hasher := hash.DefaultHasher()
	local := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	peer := cluster.NewSiloAddress("10.0.0.2", 5001, 1)

	t.Run("With dead silo scrubbed from partition and cache", func(t *testing.T) {
		provider := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{
			local: cluster.Active,
			peer:  cluster.Active,
		})
		transceiver := &fakeTransceiver{}
		dir := New(local, hasher, provider, transceiver, log.DiscardLogger, testConfig())

		locallyOwned := grainOwnedBy(t, provider.Snapshot(), hasher, local)
		hosted := grain.NewActivationAddress(peer, locallyOwned, grain.NewActivationID())
		dir.Partition().AddSingleActivation(hosted)
		dir.cache.Put(locallyOwned, []grain.ActivationAddress{hosted}, 1)

		before := provider.Snapshot()
		provider.SetStatus(peer, cluster.Dead)
		delta := cluster.DeltaBetween(before, provider.Snapshot())
		dir.OnDelta(context.Background(), delta)

		_, _, found := dir.Partition().Lookup(locallyOwned)
		assert.False(t, found, "entries on the dead silo are scrubbed")
		_, ok := dir.CachedLookup(locallyOwned)
		assert.False(t, ok, "cache entries pointing at the dead silo are dropped")
	})

	t.Run("With hop limit stopping oscillating forwards", func(t *testing.T) {
		// adversarial setup: each silo is fed a membership view in which the
		// OTHER silo owns everything, so a request ping-pongs between them
		provA := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{peer: cluster.Active})
		provB := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{local: cluster.Active})

		var dirA, dirB *LocalDirectory
		transceiverA := &fakeTransceiver{
			respond: func(_ cluster.SiloAddress, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error) {
				return dirB.HandleRequest(context.Background(), req, hop)
			},
		}
		transceiverB := &fakeTransceiver{
			respond: func(_ cluster.SiloAddress, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error) {
				return dirA.HandleRequest(context.Background(), req, hop)
			},
		}
		dirA = New(local, hasher, provA, transceiverA, log.DiscardLogger, testConfig())
		dirB = New(peer, hasher, provB, transceiverB, log.DiscardLogger, testConfig())

		_, _, err := dirA.Lookup(context.Background(), grain.NewIdentity("thermostat", "pingpong"))
		assert.ErrorIs(t, err, gerrors.ErrHopLimitExceeded)

		// the request bounced at most HOP_LIMIT times before failing definitely
		assert.LessOrEqual(t, transceiverA.callCount()+transceiverB.callCount(), int(testConfig().HopLimit)+1)
	})

	t.Run("With stabilization skipped when alone", func(t *testing.T) {
		provider := cluster.NewStaticProvider(map[cluster.SiloAddress]cluster.Status{local: cluster.Active})
		dir := New(local, hasher, provider, &fakeTransceiver{}, log.DiscardLogger, testConfig())

		start := time.Now()
		dir.WaitForStabilization(context.Background())
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})
}
