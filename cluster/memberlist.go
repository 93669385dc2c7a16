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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/memberlist"

	"github.com/silogrid/silogrid/log"
)

// siloMeta is the node metadata gossiped alongside liveness. It carries what
// the endpoint alone cannot: the generation distinguishing silo incarnations
// and the advertised status for graceful shutdown propagation.
type siloMeta struct {
	Generation int64  `cbor:"1,keyasint"`
	SiloPort   int    `cbor:"2,keyasint"`
	Status     Status `cbor:"3,keyasint"`
}

// MemberlistProvider adapts hashicorp/memberlist gossip into the versioned
// membership views the runtime consumes. Gossip events mutate an internal
// member table; every mutation publishes a fresh immutable view under the
// next local version.
type MemberlistProvider struct {
	local  SiloAddress
	logger log.Logger

	mu          sync.Mutex
	list        *memberlist.Memberlist
	meta        siloMeta
	members     map[SiloAddress]Status
	version     uint64
	current     atomic.Pointer[View]
	subscribers map[chan<- *Delta]*View
	advanced    chan struct{}
	events      chan memberlist.NodeEvent
	done        chan struct{}
}

// ensure MemberlistProvider implements Provider
var _ Provider = (*MemberlistProvider)(nil)

// NewMemberlistProvider creates a gossip-backed membership provider for the
// given local silo. bindPort is the gossip port; the silo's own transport
// port travels in the node metadata.
func NewMemberlistProvider(local SiloAddress, bindPort int, logger log.Logger) (*MemberlistProvider, error) {
	provider := &MemberlistProvider{
		local:       local,
		logger:      logger,
		meta:        siloMeta{Generation: local.Generation, SiloPort: local.Port, Status: Joining},
		members:     map[SiloAddress]Status{local: Joining},
		version:     1,
		subscribers: make(map[chan<- *Delta]*View),
		advanced:    make(chan struct{}),
		events:      make(chan memberlist.NodeEvent, 256),
		done:        make(chan struct{}),
	}
	provider.current.Store(NewView(1, provider.members))

	config := memberlist.DefaultLANConfig()
	config.Name = local.String()
	config.BindAddr = local.Host
	config.BindPort = bindPort
	config.AdvertisePort = bindPort
	config.Delegate = &metaDelegate{provider: provider}
	config.Events = &memberlist.ChannelEventDelegate{Ch: provider.events}
	config.LogOutput = logger.StdLogger().Writer()

	list, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("creating memberlist: %w", err)
	}
	provider.list = list

	go provider.eventLoop()
	return provider, nil
}

// Join contacts the given gossip peers ("host:port") and merges with the
// existing cluster. The local silo is promoted to Active once the join
// round-trip completed.
func (p *MemberlistProvider) Join(peers []string) error {
	if len(peers) > 0 {
		if _, err := p.list.Join(peers); err != nil {
			return fmt.Errorf("joining cluster: %w", err)
		}
	}
	p.AnnounceStatus(Active)
	return nil
}

// AnnounceStatus gossips a new status for the local silo and records it in
// the local view.
func (p *MemberlistProvider) AnnounceStatus(status Status) {
	p.mu.Lock()
	p.meta.Status = status
	p.mu.Unlock()

	if err := p.list.UpdateNode(2 * time.Second); err != nil {
		p.logger.Warnf("failed to gossip status %s: %v", status, err)
	}
	p.publish(func(members map[SiloAddress]Status) {
		members[p.local] = status
	})
}

// Leave gossips departure and shuts the gossip layer down.
func (p *MemberlistProvider) Leave(timeout time.Duration) error {
	defer close(p.done)
	if err := p.list.Leave(timeout); err != nil {
		return err
	}
	return p.list.Shutdown()
}

// Snapshot implements Provider.
func (p *MemberlistProvider) Snapshot() *View {
	return p.current.Load()
}

// Subscribe implements Provider.
func (p *MemberlistProvider) Subscribe(ch chan<- *Delta) (cancel func()) {
	p.mu.Lock()
	p.subscribers[ch] = p.current.Load()
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subscribers, ch)
		p.mu.Unlock()
	}
}

// RefreshAtLeast implements Provider. Gossip convergence is what advances the
// version, so this blocks on publications.
func (p *MemberlistProvider) RefreshAtLeast(ctx context.Context, version uint64) error {
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

func (p *MemberlistProvider) eventLoop() {
	for {
		select {
		case <-p.done:
			return
		case event := <-p.events:
			addr, status, ok := p.decodeNode(event.Node)
			if !ok {
				continue
			}
			switch event.Event {
			case memberlist.NodeJoin:
				p.publish(func(members map[SiloAddress]Status) {
					if current, known := members[addr]; !known || current < status {
						members[addr] = status
					}
				})
			case memberlist.NodeUpdate:
				p.publish(func(members map[SiloAddress]Status) {
					members[addr] = status
				})
			case memberlist.NodeLeave:
				p.publish(func(members map[SiloAddress]Status) {
					members[addr] = Dead
				})
			}
		}
	}
}

// decodeNode maps a gossip node to the silo address and status advertised in
// its metadata.
func (p *MemberlistProvider) decodeNode(node *memberlist.Node) (SiloAddress, Status, bool) {
	var meta siloMeta
	if err := cbor.Unmarshal(node.Meta, &meta); err != nil {
		p.logger.Warnf("ignoring node %s with undecodable metadata: %v", node.Name, err)
		return SiloAddress{}, Joining, false
	}
	addr := SiloAddress{Host: node.Addr.String(), Port: meta.SiloPort, Generation: meta.Generation}
	return addr, meta.Status, true
}

func (p *MemberlistProvider) publish(apply func(map[SiloAddress]Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	apply(p.members)
	p.version++
	next := NewView(p.version, p.members)
	p.current.Store(next)

	close(p.advanced)
	p.advanced = make(chan struct{})

	for ch, last := range p.subscribers {
		delta := DeltaBetween(last, next)
		p.subscribers[ch] = next
		select {
		case ch <- delta:
		default:
		}
	}
}

// metaDelegate gossips the local silo's metadata.
type metaDelegate struct {
	provider *MemberlistProvider
}

// ensure metaDelegate implements memberlist.Delegate
var _ memberlist.Delegate = (*metaDelegate)(nil)

// NodeMeta is used to retrieve meta-data about the current node when
// broadcasting an alive message.
func (d *metaDelegate) NodeMeta(limit int) []byte {
	d.provider.mu.Lock()
	meta := d.provider.meta
	d.provider.mu.Unlock()

	bytea, err := cbor.Marshal(meta)
	if err != nil || len(bytea) > limit {
		return nil
	}
	return bytea
}

func (d *metaDelegate) NotifyMsg([]byte)                {}
func (d *metaDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *metaDelegate) LocalState(bool) []byte          { return nil }
func (d *metaDelegate) MergeRemoteState([]byte, bool)   {}
