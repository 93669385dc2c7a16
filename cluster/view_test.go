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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaBetween(t *testing.T) {
	s1 := NewSiloAddress("10.0.0.1", 5001, 1)
	s2 := NewSiloAddress("10.0.0.2", 5001, 1)
	s3 := NewSiloAddress("10.0.0.3", 5001, 1)

	t.Run("With nil previous view", func(t *testing.T) {
		next := NewView(1, map[SiloAddress]Status{s1: Active})
		delta := DeltaBetween(nil, next)
		require.Len(t, delta.Added, 1)
		assert.Equal(t, s1, delta.Added[0])
		assert.Empty(t, delta.Removed)
		assert.Empty(t, delta.StatusChanged)
	})

	t.Run("With added, removed and changed", func(t *testing.T) {
		prev := NewView(1, map[SiloAddress]Status{s1: Active, s2: Active})
		next := NewView(2, map[SiloAddress]Status{s1: ShuttingDown, s3: Joining})

		delta := DeltaBetween(prev, next)
		require.Len(t, delta.Added, 1)
		assert.Equal(t, s3, delta.Added[0])
		require.Len(t, delta.Removed, 1)
		assert.Equal(t, s2, delta.Removed[0])
		require.Len(t, delta.StatusChanged, 1)
		assert.Equal(t, s1, delta.StatusChanged[0].Silo)
		assert.Equal(t, Active, delta.StatusChanged[0].Previous)
		assert.Equal(t, ShuttingDown, delta.StatusChanged[0].Current)
	})
}

func TestStatusTerminating(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{Joining, false},
		{Active, false},
		{ShuttingDown, true},
		{Stopping, true},
		{Dead, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Terminating())
		})
	}
}

func TestStaticProvider(t *testing.T) {
	s1 := NewSiloAddress("10.0.0.1", 5001, 1)
	s2 := NewSiloAddress("10.0.0.2", 5001, 1)

	t.Run("With monotone versions", func(t *testing.T) {
		provider := NewStaticProvider(map[SiloAddress]Status{s1: Active})
		last := provider.Snapshot().Version()

		for i := 0; i < 10; i++ {
			provider.SetStatus(s2, Active)
			provider.SetStatus(s2, ShuttingDown)
			version := provider.Snapshot().Version()
			require.Greater(t, version, last)
			last = version
		}
	})

	t.Run("With subscriber deltas against last delivered view", func(t *testing.T) {
		provider := NewStaticProvider(map[SiloAddress]Status{s1: Active})

		ch := make(chan *Delta, 16)
		cancel := provider.Subscribe(ch)
		defer cancel()

		provider.SetStatus(s2, Joining)
		provider.SetStatus(s2, Active)

		first := <-ch
		require.Len(t, first.Added, 1)
		assert.Equal(t, s2, first.Added[0])

		second := <-ch
		require.Len(t, second.StatusChanged, 1)
		assert.Equal(t, Joining, second.StatusChanged[0].Previous)
		assert.Equal(t, Active, second.StatusChanged[0].Current)

		// versions observed by the subscriber never decrease
		assert.GreaterOrEqual(t, second.View.Version(), first.View.Version())
	})

	t.Run("With RefreshAtLeast", func(t *testing.T) {
		provider := NewStaticProvider(map[SiloAddress]Status{s1: Active})
		target := provider.Snapshot().Version() + 1

		go func() {
			time.Sleep(50 * time.Millisecond)
			provider.SetStatus(s2, Active)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, provider.RefreshAtLeast(ctx, target))
		assert.GreaterOrEqual(t, provider.Snapshot().Version(), target)
	})

	t.Run("With RefreshAtLeast expiring", func(t *testing.T) {
		provider := NewStaticProvider(map[SiloAddress]Status{s1: Active})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := provider.RefreshAtLeast(ctx, provider.Snapshot().Version()+100)
		assert.Error(t, err)
	})
}
