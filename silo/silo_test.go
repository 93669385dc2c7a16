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
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/hash"
	"github.com/silogrid/silogrid/log"
	"github.com/silogrid/silogrid/remote"
)

const (
	kindEcho  = "echo"
	kindRelay = "relay"
)

// echoGrain answers method 1 with its payload prefixed, method 2 with its
// activation id, and counts one-way notifications on method 3. A non-zero
// delay slows method 1 down so interleaving tests get a wide await window.
type echoGrain struct {
	activations *atomic.Int32
	notified    *atomic.Int32
	delay       time.Duration
}

func (g *echoGrain) OnActivate(*GrainContext) error {
	if g.activations != nil {
		g.activations.Inc()
	}
	return nil
}

func (g *echoGrain) OnDeactivate(*GrainContext) error { return nil }

func (g *echoGrain) InvokeMethod(gctx *GrainContext, method uint32, body []byte) ([]byte, error) {
	switch method {
	case 1:
		if g.delay > 0 {
			time.Sleep(g.delay)
		}
		return append([]byte("echo:"), body...), nil
	case 2:
		return []byte(gctx.ActivationID()), nil
	case 3:
		if g.notified != nil {
			g.notified.Inc()
		}
		return nil, nil
	case 4:
		return nil, fmt.Errorf("bad temperature %q", body)
	default:
		return nil, nil
	}
}

// relayGrain forwards method 1 to an echo grain and relays the answer. Its
// turn suspends at the Request boundary; steps are recorded so tests can
// assert the interleaving.
type relayGrain struct {
	target grain.Identity
	steps  *stepLog
}

type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) add(step string) {
	l.mu.Lock()
	l.steps = append(l.steps, step)
	l.mu.Unlock()
}

func (l *stepLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

func (g *relayGrain) OnActivate(*GrainContext) error   { return nil }
func (g *relayGrain) OnDeactivate(*GrainContext) error { return nil }

func (g *relayGrain) InvokeMethod(gctx *GrainContext, method uint32, body []byte) ([]byte, error) {
	switch method {
	case 1:
		g.steps.add("r1-start")
		responder := gctx.Responder()
		gctx.Request(g.target, 0, 1, body, func(resp []byte, err error) {
			g.steps.add("r1-resume")
			responder.Respond(resp, err)
		})
		return nil, nil
	case 2:
		g.steps.add("r2")
		return []byte("r2-done"), nil
	default:
		return nil, nil
	}
}

// testCluster runs n silos over a loopback network and a shared static
// membership provider.
type testCluster struct {
	provider *cluster.StaticProvider
	network  *remote.LoopbackNetwork
	silos    []*Silo
}

func startCluster(t *testing.T, n int, configure func(*Silo), opts ...Option) *testCluster {
	t.Helper()

	tc := &testCluster{
		provider: cluster.NewStaticProvider(nil),
		network:  remote.NewLoopbackNetwork(),
	}

	for i := 0; i < n; i++ {
		addr := cluster.NewSiloAddress(fmt.Sprintf("10.0.0.%d", i+1), 5001, 1)
		options := append([]Option{
			WithLogger(log.DiscardLogger),
			WithResponseTimeout(2 * time.Second),
			WithClientDropTimeout(time.Second),
			WithInitialStabilizationTimeout(100 * time.Millisecond),
			WithStatusAnnouncer(func(status cluster.Status) { tc.provider.SetStatus(addr, status) }),
		}, opts...)

		s, err := New(addr, tc.provider, tc.network.Transport(addr), options...)
		require.NoError(t, err)
		if configure != nil {
			configure(s)
		}
		tc.silos = append(tc.silos, s)
	}

	for _, s := range tc.silos {
		require.NoError(t, s.Start(context.Background()))
	}
	t.Cleanup(func() {
		for _, s := range tc.silos {
			_ = s.Stop(context.Background())
		}
	})
	return tc
}

// hostOf finds the silo holding a local activation of the grain.
func (tc *testCluster) hostOf(identity grain.Identity) (*Silo, bool) {
	for _, s := range tc.silos {
		if _, ok := s.Catalog().Activation(identity); ok {
			return s, true
		}
	}
	return nil, false
}

func TestFirstCallActivation(t *testing.T) {
	activations := atomic.NewInt32(0)
	tc := startCluster(t, 3, func(s *Silo) {
		s.Registry().Register(kindEcho, func() Grain { return &echoGrain{activations: activations} })
	})

	ref := tc.silos[0].Ref(kindEcho, "roomA")
	ctx := context.Background()

	resp, err := ref.Invoke(ctx, 1, []byte("22"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:22"), resp)

	// exactly one silo hosts the activation and the directory knows it
	identity := grain.NewIdentity(kindEcho, "roomA")
	host, ok := tc.hostOf(identity)
	require.True(t, ok)
	assert.EqualValues(t, 1, activations.Load())

	hasher := hash.DefaultHasher()
	ring := cluster.NewRing(tc.provider.Snapshot(), hasher)
	owner, ok := ring.PartitionOwner(identity.RingHash(hasher))
	require.True(t, ok)
	for _, s := range tc.silos {
		if s.Address().Equal(owner) {
			addresses, _, found := s.Directory().Partition().Lookup(identity)
			require.True(t, found, "the hash owner holds the directory entry")
			require.Len(t, addresses, 1)
			assert.True(t, addresses[0].Silo.Equal(host.Address()))
		}
	}

	// a second call rides the cache and reuses the same activation
	resp, err = ref.Invoke(ctx, 1, []byte("23"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:23"), resp)
	assert.EqualValues(t, 1, activations.Load())
}

func TestSingleActivationRace(t *testing.T) {
	activations := atomic.NewInt32(0)
	tc := startCluster(t, 3, func(s *Silo) {
		s.Registry().Register(kindEcho, func() Grain { return &echoGrain{activations: activations} })
	})

	identity := grain.NewIdentity(kindEcho, "contended")
	var wg sync.WaitGroup
	ids := make([]string, len(tc.silos))
	for i, s := range tc.silos {
		wg.Add(1)
		go func(i int, s *Silo) {
			defer wg.Done()
			resp, err := s.Ref(kindEcho, "contended").Invoke(context.Background(), 2, nil)
			require.NoError(t, err)
			ids[i] = string(resp)
		}(i, s)
	}
	wg.Wait()

	// every caller observed the same incarnation, user code ran once
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[1], ids[2])
	assert.EqualValues(t, 1, activations.Load())

	hosts := 0
	for _, s := range tc.silos {
		if _, ok := s.Catalog().Activation(identity); ok {
			hosts++
		}
	}
	assert.Equal(t, 1, hosts, "at most one silo holds a Valid activation")
}

func TestStaleCacheRetry(t *testing.T) {
	tc := startCluster(t, 3, func(s *Silo) {
		s.Registry().Register(kindEcho, func() Grain { return &echoGrain{} })
	})

	identity := grain.NewIdentity(kindEcho, "roomB")
	ctx := context.Background()

	// activate on silos[0], then warm silos[2]'s cache through a lookup
	first, err := tc.silos[0].Ref(kindEcho, "roomB").Invoke(ctx, 2, nil)
	require.NoError(t, err)
	caller := tc.silos[2]
	cached, err := caller.Ref(kindEcho, "roomB").Invoke(ctx, 2, nil)
	require.NoError(t, err)
	require.Equal(t, string(first), string(cached))

	// the caller's cache now points at the activation; kill it behind the
	// cache's back
	host, ok := tc.hostOf(identity)
	require.True(t, ok)
	require.True(t, host.Address().Equal(tc.silos[0].Address()))
	require.True(t, host.Deactivate(identity, "test"))
	require.Eventually(t, func() bool {
		_, ok := host.Catalog().Activation(identity)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// the stale hit still routes to the old host, which no longer holds an
	// activation and places a fresh incarnation there
	second, err := caller.Ref(kindEcho, "roomB").Invoke(ctx, 2, nil)
	require.NoError(t, err)
	assert.NotEqual(t, string(first), string(second), "the grain was re-activated under a new activation id")
}

func TestApplicationErrorPropagation(t *testing.T) {
	tc := startCluster(t, 2, func(s *Silo) {
		s.Registry().Register(kindEcho, func() Grain { return &echoGrain{} })
	})

	_, err := tc.silos[0].Ref(kindEcho, "roomC").Invoke(context.Background(), 4, []byte("NaN"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad temperature")
}

func TestOneWayNotification(t *testing.T) {
	notified := atomic.NewInt32(0)
	tc := startCluster(t, 2, func(s *Silo) {
		s.Registry().Register(kindEcho, func() Grain { return &echoGrain{notified: notified} })
	})

	ref := tc.silos[0].Ref(kindEcho, "roomD")
	require.NoError(t, ref.Notify(context.Background(), 3, nil))

	require.Eventually(t, func() bool {
		return notified.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReentrancy(t *testing.T) {
	steps := &stepLog{}
	echoID := grain.NewIdentity(kindEcho, "backend")

	tc := startCluster(t, 2, func(s *Silo) {
		s.Registry().Register(kindEcho, func() Grain { return &echoGrain{delay: 300 * time.Millisecond} })
		s.Registry().Register(kindRelay, func() Grain { return &relayGrain{target: echoID, steps: steps} })
	}, WithReentrancy(kindRelay, Reentrant))

	ctx := context.Background()
	relay := tc.silos[0].Ref(kindRelay, "front")

	var wg sync.WaitGroup
	wg.Add(2)
	var r1Resp []byte
	go func() {
		defer wg.Done()
		resp, err := relay.Invoke(ctx, 1, []byte("21"))
		require.NoError(t, err)
		r1Resp = resp
	}()

	// let R1 reach its await boundary before submitting R2
	require.Eventually(t, func() bool {
		for _, step := range steps.snapshot() {
			if step == "r1-start" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	go func() {
		defer wg.Done()
		resp, err := relay.Invoke(ctx, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("r2-done"), resp)
	}()
	wg.Wait()

	assert.Equal(t, []byte("echo:21"), r1Resp)

	// R2 interleaved with the suspended R1; no two steps ran in parallel
	// because they all executed as turns of the same activation
	recorded := steps.snapshot()
	require.Len(t, recorded, 3)
	assert.Equal(t, "r1-start", recorded[0])
	assert.Equal(t, "r2", recorded[1])
	assert.Equal(t, "r1-resume", recorded[2])
}

func TestNonReentrantRelayStashes(t *testing.T) {
	steps := &stepLog{}
	echoID := grain.NewIdentity(kindEcho, "backend2")

	tc := startCluster(t, 2, func(s *Silo) {
		s.Registry().Register(kindEcho, func() Grain { return &echoGrain{delay: 300 * time.Millisecond} })
		s.Registry().Register(kindRelay, func() Grain { return &relayGrain{target: echoID, steps: steps} })
	})

	ctx := context.Background()
	relay := tc.silos[0].Ref(kindRelay, "front2")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := relay.Invoke(ctx, 1, []byte("21"))
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		steps := steps.snapshot()
		return len(steps) > 0 && steps[0] == "r1-start"
	}, 2*time.Second, 5*time.Millisecond)

	go func() {
		defer wg.Done()
		_, err := relay.Invoke(ctx, 2, nil)
		require.NoError(t, err)
	}()
	wg.Wait()

	recorded := steps.snapshot()
	require.Len(t, recorded, 3)
	assert.Equal(t, []string{"r1-start", "r1-resume", "r2"}, recorded,
		"a non-reentrant grain finishes the suspended turn before starting the next")
}

func TestGracefulShutdownHandoff(t *testing.T) {
	tc := startCluster(t, 3, func(s *Silo) {
		s.Registry().Register(kindEcho, func() Grain { return &echoGrain{} })
	})
	ctx := context.Background()
	hasher := hash.DefaultHasher()

	// find a grain whose directory owner is a silo that does NOT host it:
	// place from silos[0], look for a name owned by another silo
	ring := cluster.NewRing(tc.provider.Snapshot(), hasher)
	var name string
	var owner cluster.SiloAddress
	for i := 0; i < 100_000; i++ {
		candidate := fmt.Sprintf("k%d", i)
		identity := grain.NewIdentity(kindEcho, candidate)
		siloOwner, ok := ring.PartitionOwner(identity.RingHash(hasher))
		require.True(t, ok)
		if !siloOwner.Equal(tc.silos[0].Address()) {
			name = candidate
			owner = siloOwner
			break
		}
	}
	require.NotEmpty(t, name)

	first, err := tc.silos[0].Ref(kindEcho, name).Invoke(ctx, 2, nil)
	require.NoError(t, err)

	// stop the partition owner; its directory entries split to the survivors
	for _, s := range tc.silos {
		if s.Address().Equal(owner) {
			require.NoError(t, s.Stop(ctx))
		}
	}

	// a caller with no cache entry resolves through the new owner and finds
	// the same incarnation
	var survivor *Silo
	for _, s := range tc.silos {
		if !s.Address().Equal(owner) && !s.Address().Equal(tc.silos[0].Address()) {
			survivor = s
		}
	}
	require.NotNil(t, survivor)
	survivor.Directory().InvalidateCache(grain.NewIdentity(kindEcho, name), 0)

	second, err := survivor.Ref(kindEcho, name).Invoke(ctx, 2, nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second), "the activation survived its directory owner's shutdown")
}
