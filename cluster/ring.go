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
	"sort"

	"github.com/silogrid/silogrid/hash"
)

// Ring is the consistent-hash view derived from a membership snapshot.
// Only Active silos occupy ring positions; terminating members never own a
// partition. A Ring is immutable and tied to the view it was built from.
type Ring struct {
	view    *View
	hasher  hash.Hasher
	entries []ringEntry // sorted by hash
}

type ringEntry struct {
	hash uint32
	silo SiloAddress
}

// NewRing builds the ring for the given view.
func NewRing(view *View, hasher hash.Hasher) *Ring {
	active := view.ActiveMembers()
	entries := make([]ringEntry, 0, len(active))
	for _, silo := range active {
		entries = append(entries, ringEntry{hash: silo.RingHash(hasher), silo: silo})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].hash == entries[j].hash {
			// hash ties are broken by the canonical address so that every silo
			// computes the same ring
			return entries[i].silo.String() < entries[j].silo.String()
		}
		return entries[i].hash < entries[j].hash
	})
	return &Ring{view: view, hasher: hasher, entries: entries}
}

// View returns the membership view the ring was derived from.
func (r *Ring) View() *View {
	return r.view
}

// IsEmpty reports whether no active silo occupies the ring.
func (r *Ring) IsEmpty() bool {
	return len(r.entries) == 0
}

// PartitionOwner returns the silo owning the given grain hash: the active
// member with the nearest ring position at or above the hash, wrapping at
// the top. ok is false when the ring is empty.
func (r *Ring) PartitionOwner(grainHash uint32) (SiloAddress, bool) {
	if len(r.entries) == 0 {
		return SiloAddress{}, false
	}
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash >= grainHash
	})
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].silo, true
}

// Predecessor returns the active silo immediately below the given silo on
// the ring. ok is false when the silo is not on the ring or stands alone.
func (r *Ring) Predecessor(silo SiloAddress) (SiloAddress, bool) {
	idx := r.indexOf(silo)
	if idx < 0 || len(r.entries) < 2 {
		return SiloAddress{}, false
	}
	return r.entries[(idx-1+len(r.entries))%len(r.entries)].silo, true
}

// Successor returns the active silo immediately above the given silo on the
// ring. ok is false when the silo is not on the ring or stands alone.
func (r *Ring) Successor(silo SiloAddress) (SiloAddress, bool) {
	idx := r.indexOf(silo)
	if idx < 0 || len(r.entries) < 2 {
		return SiloAddress{}, false
	}
	return r.entries[(idx+1)%len(r.entries)].silo, true
}

// Contains reports whether the silo occupies a ring position.
func (r *Ring) Contains(silo SiloAddress) bool {
	return r.indexOf(silo) >= 0
}

func (r *Ring) indexOf(silo SiloAddress) int {
	for i, entry := range r.entries {
		if entry.silo == silo {
			return i
		}
	}
	return -1
}
