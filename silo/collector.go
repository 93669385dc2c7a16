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
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"

	"github.com/silogrid/silogrid/internal/syncmap"
	"github.com/silogrid/silogrid/log"
)

// Collector is the bucketed time wheel expiring idle activations. Buckets
// are keyed by a collection ticket: a wall-clock instant quantized to the
// configured quantum. An activation sits in at most one bucket; one not in
// any bucket is exempt from collection.
//
// The collector never deactivates anything itself: ScanStale pops due
// activations, re-checks them, and hands the truly idle ones back to the
// catalog.
type Collector struct {
	quantum time.Duration
	buckets *syncmap.SyncMap[int64, *collectionBucket]
	logger  log.Logger
}

// collectionBucket is one slot of the wheel. The fired flag resolves the
// race between a sweep popping the bucket and a concurrent reschedule:
// whoever locks first wins, the loser observes fired.
type collectionBucket struct {
	mu     sync.Mutex
	ticket int64
	items  goset.Set[*activation]
	fired  bool
}

// tryRemove removes a from the bucket unless it already fired.
func (b *collectionBucket) tryRemove(a *activation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fired {
		return false
	}
	b.items.Remove(a)
	return true
}

// fire marks the bucket swept and returns its content.
func (b *collectionBucket) fire() []*activation {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fired = true
	items := b.items.ToSlice()
	b.items.Clear()
	return items
}

// add inserts a unless the bucket already fired.
func (b *collectionBucket) add(a *activation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fired {
		return false
	}
	b.items.Add(a)
	return true
}

// NewCollector creates a wheel with the given quantum.
func NewCollector(quantum time.Duration, logger log.Logger) *Collector {
	return &Collector{
		quantum: quantum,
		buckets: syncmap.New[int64, *collectionBucket](),
		logger:  logger,
	}
}

// nextTicket quantizes due to the wheel granularity, rounding up so the
// ticket is always at least one quantum in the future.
func (c *Collector) nextTicket(due time.Time) int64 {
	q := int64(c.quantum)
	t := due.UnixNano()
	ticket := ((t + q - 1) / q) * q
	if ticket <= time.Now().UnixNano() {
		ticket += q
	}
	return ticket
}

func (c *Collector) bucket(ticket int64) *collectionBucket {
	fresh := &collectionBucket{ticket: ticket, items: goset.NewSet[*activation]()}
	existing, _ := c.buckets.GetOrSet(ticket, fresh)
	return existing
}

// Schedule inserts the activation into the wheel according to its idle age
// limit. The activation records its ticket.
func (c *Collector) Schedule(a *activation) {
	for {
		ticket := c.nextTicket(time.Now().Add(a.ageLimit))
		bucket := c.bucket(ticket)
		if bucket.add(a) {
			a.collectionTicket.Store(ticket)
			return
		}
		// lost against a concurrent sweep of that very ticket; pick the next one
	}
}

// TryCancel removes the activation from its bucket, returning false when the
// ticket already fired and the sweep owns the activation.
func (c *Collector) TryCancel(a *activation) bool {
	ticket := a.collectionTicket.Load()
	if ticket == 0 {
		return true
	}
	bucket, ok := c.buckets.Get(ticket)
	if !ok {
		return false
	}
	if !bucket.tryRemove(a) {
		return false
	}
	a.collectionTicket.Store(0)
	return true
}

// TryReschedule moves the activation to the bucket matching its refreshed
// idle deadline. It returns false when the current ticket already fired, in
// which case the sweep will observe the recent activity and reschedule the
// activation itself.
func (c *Collector) TryReschedule(a *activation) bool {
	ticket := a.collectionTicket.Load()
	if ticket != 0 {
		if bucket, ok := c.buckets.Get(ticket); ok {
			if !bucket.tryRemove(a) {
				return false
			}
		}
	}
	c.Schedule(a)
	return true
}

// ScanStale pops every due bucket and returns the activations that are
// genuinely collectible: still Valid, idle past their age limit, without
// pending work or keep-alive. Everything else is rescheduled. The caller
// performs the deactivation; the returned activations are already
// transitioned to Deactivating.
func (c *Collector) ScanStale(now time.Time) []*activation {
	var collectible []*activation

	for _, ticket := range c.buckets.Keys() {
		if ticket > now.UnixNano() {
			continue
		}
		bucket, ok := c.buckets.Get(ticket)
		if !ok {
			continue
		}
		c.buckets.Delete(ticket)

		for _, a := range bucket.fire() {
			a.collectionTicket.Store(0)

			if !c.collectible(a, now) {
				if a.currentState() <= stateValid {
					c.Schedule(a)
				}
				continue
			}
			if !a.advanceState(stateValid, stateDeactivating) {
				continue
			}
			collectible = append(collectible, a)
		}
	}
	return collectible
}

// collectible re-checks an activation popped by the sweep.
func (c *Collector) collectible(a *activation, now time.Time) bool {
	if !a.isValid() || a.hasPendingWork() || a.keptAlive(now) {
		return false
	}
	return now.Sub(a.idleSince()) >= a.ageLimit
}
