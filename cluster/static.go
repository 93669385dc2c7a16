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

package cluster

import (
	"context"
	"sync"
	"sync/atomic"
)

// StaticProvider is a membership provider driven directly by its owner: the
// silos of a fixed deployment, or a test harness playing out membership
// churn. Every mutation publishes a new immutable view under the next
// version.
type StaticProvider struct {
	mu          sync.Mutex
	current     atomic.Pointer[View]
	subscribers map[chan<- *Delta]*View
	advanced    chan struct{}
}

// ensure StaticProvider implements Provider
var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider seeded with the given members at
// version 1. A nil map seeds an empty cluster.
func NewStaticProvider(members map[SiloAddress]Status) *StaticProvider {
	provider := &StaticProvider{
		subscribers: make(map[chan<- *Delta]*View),
		advanced:    make(chan struct{}),
	}
	provider.current.Store(NewView(1, members))
	return provider
}

// Snapshot implements Provider.
func (p *StaticProvider) Snapshot() *View {
	return p.current.Load()
}

// Subscribe implements Provider.
func (p *StaticProvider) Subscribe(ch chan<- *Delta) (cancel func()) {
	p.mu.Lock()
	p.subscribers[ch] = p.current.Load()
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subscribers, ch)
		p.mu.Unlock()
	}
}

// RefreshAtLeast implements Provider. The static provider advances only when
// its owner mutates it, so this waits for publications.
func (p *StaticProvider) RefreshAtLeast(ctx context.Context, version uint64) error {
	for {
		p.mu.Lock()
		view := p.current.Load()
		waiter := p.advanced
		p.mu.Unlock()

		if view.Version() >= version {
			return nil
		}
		select {
		case <-waiter:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetStatus publishes a view in which the given silo carries the given
// status, adding the silo when absent.
func (p *StaticProvider) SetStatus(addr SiloAddress, status Status) {
	p.mutate(func(members map[SiloAddress]Status) {
		members[addr] = status
	})
}

// Remove publishes a view without the given silo.
func (p *StaticProvider) Remove(addr SiloAddress) {
	p.mutate(func(members map[SiloAddress]Status) {
		delete(members, addr)
	})
}

func (p *StaticProvider) mutate(apply func(map[SiloAddress]Status)) {
	p.mu.Lock()
	previous := p.current.Load()
	members := previous.Members()
	apply(members)
	next := NewView(previous.Version()+1, members)
	p.current.Store(next)

	// wake RefreshAtLeast waiters
	close(p.advanced)
	p.advanced = make(chan struct{})

	// fan the delta out; each subscriber's delta is computed against the view
	// it last received so interleavings stay per-subscriber consistent
	for ch, last := range p.subscribers {
		delta := DeltaBetween(last, next)
		p.subscribers[ch] = next
		select {
		case ch <- delta:
		default:
			// subscriber is slow: drop the delta, it will resync from Snapshot
		}
	}
	p.mu.Unlock()
}
