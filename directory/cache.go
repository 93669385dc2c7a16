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
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/grain"
)

// defaultCacheSize bounds the read-through cache.
const defaultCacheSize = 100_000

// CacheEntry is one cached resolution: the activations last reported by the
// partition owner and the etag they carried.
type CacheEntry struct {
	Addresses []grain.ActivationAddress
	Etag      uint64
}

// Cache is the bounded LRU in front of the directory. It is an optimization,
// never a source of truth: a miss is not an error, and a stale hit costs at
// most one extra round trip before the entry is evicted.
type Cache struct {
	lru *lru.Cache[grain.Identity, CacheEntry]
}

// NewCache creates a cache bounded to size entries; size <= 0 selects the
// default.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New[grain.Identity, CacheEntry](size)
	return &Cache{lru: cache}
}

// Put records a successful remote registration or lookup.
func (c *Cache) Put(identity grain.Identity, addresses []grain.ActivationAddress, etag uint64) {
	c.lru.Add(identity, CacheEntry{Addresses: addresses, Etag: etag})
}

// Get returns the cached resolution for the grain, if any.
func (c *Cache) Get(identity grain.Identity) (CacheEntry, bool) {
	return c.lru.Get(identity)
}

// Invalidate drops the grain's entry unconditionally.
func (c *Cache) Invalidate(identity grain.Identity) {
	c.lru.Remove(identity)
}

// InvalidateEtag drops the grain's entry when it carries the given etag.
// A zero etag drops unconditionally, covering rejections that lost the stamp.
func (c *Cache) InvalidateEtag(identity grain.Identity, etag uint64) {
	if etag == 0 {
		c.lru.Remove(identity)
		return
	}
	if entry, ok := c.lru.Peek(identity); ok && entry.Etag == etag {
		c.lru.Remove(identity)
	}
}

// InvalidateSilo drops every entry with an activation on the given silo,
// used when membership reports the silo gone.
func (c *Cache) InvalidateSilo(silo cluster.SiloAddress) {
	for _, identity := range c.lru.Keys() {
		entry, ok := c.lru.Peek(identity)
		if !ok {
			continue
		}
		for _, addr := range entry.Addresses {
			if addr.Silo == silo {
				c.lru.Remove(identity)
				break
			}
		}
	}
}

// InvalidateOwnedBy drops every entry whose grain the given predicate
// attributes to a new owner, used when a joining silo splits the ring.
func (c *Cache) InvalidateOwnedBy(remapped func(grain.Identity) bool) {
	for _, identity := range c.lru.Keys() {
		if remapped(identity) {
			c.lru.Remove(identity)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
