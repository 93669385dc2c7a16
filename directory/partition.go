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

// Package directory implements the distributed grain registry: the
// authoritative partition each silo holds for its slice of the
// consistent-hash ring, the read-through cache in front of it, and the
// routing protocol that finds the partition owner and survives membership
// churn through handoff.
package directory

import (
	"sync"
	"time"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/grain"
)

// Entry is one registered activation inside a grain's directory record.
type Entry struct {
	Address      grain.ActivationAddress
	RegisteredAt time.Time
}

// grainInfo holds the insertion-ordered activations of one grain identity
// together with the entry's version stamp.
type grainInfo struct {
	entries []Entry
	etag    uint64
}

// Partition is the authoritative local slice of the grain registry: every
// grain identity whose hash falls into this silo's ring range.
//
// All mutations run on the directory system target, making the partition a
// single-writer structure; the mutex below serializes the read-modify-write
// of concurrent readers against that writer.
type Partition struct {
	mu     sync.RWMutex
	grains map[grain.Identity]*grainInfo
	clock  uint64 // etag source, strictly increasing across all mutations
}

// NewPartition creates an empty partition.
func NewPartition() *Partition {
	return &Partition{grains: make(map[grain.Identity]*grainInfo)}
}

// AddSingleActivation registers addr unless the grain already has a live
// activation. The returned address is the winner: the caller's own address
// when registration succeeded, or the previously registered one when the
// caller lost the race and must garbage-collect its own activation.
//
// Registering the same (grain, activation) pair twice is idempotent: it
// returns the same winner without growing the entry.
func (p *Partition) AddSingleActivation(addr grain.ActivationAddress) (grain.ActivationAddress, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, ok := p.grains[addr.Grain]
	if ok && len(info.entries) > 0 {
		existing := info.entries[0]
		if existing.Address.Activation == addr.Activation {
			// retry of our own registration
			return existing.Address, info.etag
		}
		return existing.Address, info.etag
	}

	if info == nil {
		info = &grainInfo{}
		p.grains[addr.Grain] = info
	}
	info.entries = append(info.entries, Entry{Address: addr, RegisteredAt: time.Now()})
	p.clock++
	info.etag = p.clock
	return addr, info.etag
}

// AddActivation appends addr to the grain's entry, used by multi-activation
// grains. Appending the same activation twice is a no-op.
func (p *Partition) AddActivation(addr grain.ActivationAddress) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, ok := p.grains[addr.Grain]
	if !ok {
		info = &grainInfo{}
		p.grains[addr.Grain] = info
	}
	for _, entry := range info.entries {
		if entry.Address.Activation == addr.Activation {
			return info.etag
		}
	}
	info.entries = append(info.entries, Entry{Address: addr, RegisteredAt: time.Now()})
	p.clock++
	info.etag = p.clock
	return info.etag
}

// RemoveActivation removes the given activation of the grain. Removing a
// missing activation is a no-op and does not bump the etag.
func (p *Partition) RemoveActivation(identity grain.Identity, activation grain.ActivationID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, ok := p.grains[identity]
	if !ok {
		return false
	}
	for i, entry := range info.entries {
		if entry.Address.Activation == activation {
			info.entries = append(info.entries[:i], info.entries[i+1:]...)
			p.clock++
			info.etag = p.clock
			if len(info.entries) == 0 {
				delete(p.grains, identity)
			}
			return true
		}
	}
	return false
}

// Lookup returns the grain's current activations and the entry etag.
func (p *Partition) Lookup(identity grain.Identity) ([]grain.ActivationAddress, uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info, ok := p.grains[identity]
	if !ok {
		return nil, 0, false
	}
	addresses := make([]grain.ActivationAddress, 0, len(info.entries))
	for _, entry := range info.entries {
		addresses = append(addresses, entry.Address)
	}
	return addresses, info.etag, true
}

// Delete removes every entry of the grain.
func (p *Partition) Delete(identity grain.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.grains[identity]; !ok {
		return false
	}
	delete(p.grains, identity)
	p.clock++
	return true
}

// GetItems returns a full snapshot of the partition for handoff.
func (p *Partition) GetItems() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	items := make([]Entry, 0, len(p.grains))
	for _, info := range p.grains {
		items = append(items, info.entries...)
	}
	return items
}

// ItemsOwnedBy returns the snapshot of entries whose grain the given owner
// function attributes to owner. Used to compute a handoff split when a new
// silo takes over part of the range.
func (p *Partition) ItemsOwnedBy(owner cluster.SiloAddress, ownerOf func(grain.Identity) (cluster.SiloAddress, bool)) []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var items []Entry
	for identity, info := range p.grains {
		if silo, ok := ownerOf(identity); ok && silo == owner {
			items = append(items, info.entries...)
		}
	}
	return items
}

// RemoveAll removes the given entries, typically after a handoff split was
// acknowledged by its receiver.
func (p *Partition) RemoveAll(items []Entry) {
	for _, item := range items {
		p.RemoveActivation(item.Address.Grain, item.Address.Activation)
	}
}

// Scrub drops every entry whose hosting silo the view reports as dead.
// Entries on Active or ShuttingDown silos stay. Returns the removed entries.
func (p *Partition) Scrub(view *cluster.View) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []Entry
	for identity, info := range p.grains {
		kept := info.entries[:0]
		for _, entry := range info.entries {
			if view.IsDead(entry.Address.Silo) {
				removed = append(removed, entry)
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) != len(info.entries) {
			info.entries = kept
			p.clock++
			info.etag = p.clock
		}
		if len(info.entries) == 0 {
			delete(p.grains, identity)
		}
	}
	return removed
}

// Clear wipes the partition after handoff completed on shutdown.
func (p *Partition) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grains = make(map[grain.Identity]*grainInfo)
}

// Len returns the number of grain identities with at least one entry.
func (p *Partition) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.grains)
}
