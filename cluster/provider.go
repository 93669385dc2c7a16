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

import "context"

// Provider publishes the versioned membership view the whole runtime core
// observes. Implementations must deliver versions in non-decreasing order to
// every subscriber; delivery order across subscribers is not synchronized.
//
// Components must re-read the current view after any suspension instead of
// caching one across async boundaries.
type Provider interface {
	// Snapshot returns the current membership view.
	Snapshot() *View

	// Subscribe registers a delta channel. Each delta is computed against the
	// previously delivered view for that subscriber. The returned cancel
	// function unregisters the channel; after cancel returns no further delta
	// is sent.
	Subscribe(ch chan<- *Delta) (cancel func())

	// RefreshAtLeast blocks until the provider's view has reached at least the
	// given version, or the context is done. Used by callers retrying after a
	// routing failure that implicated a newer membership version.
	RefreshAtLeast(ctx context.Context, version uint64) error
}
