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

// View is an immutable snapshot of cluster membership. Versions advance
// monotonically; a component that has observed version v is never handed a
// view with a smaller version. Views are shared by pointer and must never be
// mutated after construction.
type View struct {
	version uint64
	members map[SiloAddress]Status
}

// NewView builds a view from a member map. The map is copied.
func NewView(version uint64, members map[SiloAddress]Status) *View {
	copied := make(map[SiloAddress]Status, len(members))
	for addr, status := range members {
		copied[addr] = status
	}
	return &View{version: version, members: copied}
}

// Version returns the monotone membership version.
func (v *View) Version() uint64 {
	return v.version
}

// StatusOf returns the status of the given silo. The second return value is
// false for silos the view knows nothing about.
func (v *View) StatusOf(addr SiloAddress) (Status, bool) {
	status, ok := v.members[addr]
	return status, ok
}

// IsActive reports whether the given silo is a live, non-terminating member.
func (v *View) IsActive(addr SiloAddress) bool {
	status, ok := v.members[addr]
	return ok && status == Active
}

// IsDead reports whether the view records the silo as dead. Unknown silos are
// not dead; the caller must not treat absence as failure.
func (v *View) IsDead(addr SiloAddress) bool {
	status, ok := v.members[addr]
	return ok && status == Dead
}

// Members returns a copy of the member map.
func (v *View) Members() map[SiloAddress]Status {
	copied := make(map[SiloAddress]Status, len(v.members))
	for addr, status := range v.members {
		copied[addr] = status
	}
	return copied
}

// ActiveMembers returns the silos currently in Active status.
func (v *View) ActiveMembers() []SiloAddress {
	active := make([]SiloAddress, 0, len(v.members))
	for addr, status := range v.members {
		if status == Active {
			active = append(active, addr)
		}
	}
	return active
}

// Len returns the number of members in the view, dead ones included.
func (v *View) Len() int {
	return len(v.members)
}

// StatusChange records one silo whose status differs between two views.
type StatusChange struct {
	Silo     SiloAddress
	Previous Status
	Current  Status
}

// Delta describes how membership evolved between two consecutively delivered
// views. Added silos were absent from the previous view; Removed silos are
// gone from the new one; StatusChanged silos exist in both with a different
// status.
type Delta struct {
	View          *View
	Added         []SiloAddress
	Removed       []SiloAddress
	StatusChanged []StatusChange
}

// DeltaBetween computes the Delta leading from prev to next. prev may be nil,
// in which case every member of next is reported as added.
func DeltaBetween(prev, next *View) *Delta {
	delta := &Delta{View: next}
	if prev == nil {
		for addr := range next.members {
			delta.Added = append(delta.Added, addr)
		}
		return delta
	}

	for addr, status := range next.members {
		before, existed := prev.members[addr]
		switch {
		case !existed:
			delta.Added = append(delta.Added, addr)
		case before != status:
			delta.StatusChanged = append(delta.StatusChanged, StatusChange{Silo: addr, Previous: before, Current: status})
		}
	}
	for addr := range prev.members {
		if _, still := next.members[addr]; !still {
			delta.Removed = append(delta.Removed, addr)
		}
	}
	return delta
}
