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

package workerpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/log"
)

func TestPool(t *testing.T) {
	t.Run("With submit before start", func(t *testing.T) {
		pool := New("test", log.DiscardLogger)
		err := pool.Submit(func() {})
		assert.ErrorIs(t, err, errors.ErrSiloNotStarted)
	})

	t.Run("With tasks executed", func(t *testing.T) {
		pool := New("test", log.DiscardLogger, WithWorkers(4))
		pool.Start()

		counter := atomic.NewInt64(0)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			require.NoError(t, pool.Submit(func() {
				defer wg.Done()
				counter.Inc()
			}))
		}
		wg.Wait()
		assert.EqualValues(t, 100, counter.Load())
		assert.True(t, pool.Drain(time.Second))
	})

	t.Run("With overload", func(t *testing.T) {
		pool := New("test", log.DiscardLogger, WithWorkers(1), WithQueueCapacity(1))
		pool.Start()

		block := make(chan struct{})
		require.NoError(t, pool.Submit(func() { <-block }))

		// fill the queue, then overflow it
		overloaded := false
		for i := 0; i < 10; i++ {
			if err := pool.Submit(func() {}); err != nil {
				assert.ErrorIs(t, err, errors.ErrOverloaded)
				overloaded = true
				break
			}
		}
		assert.True(t, overloaded)
		close(block)
		pool.Stop()
	})

	t.Run("With submit after drain", func(t *testing.T) {
		pool := New("test", log.DiscardLogger)
		pool.Start()
		require.True(t, pool.Drain(time.Second))
		err := pool.Submit(func() {})
		assert.ErrorIs(t, err, errors.ErrSiloStopping)
	})

	t.Run("With panic recovery", func(t *testing.T) {
		pool := New("test", log.DiscardLogger, WithWorkers(1))
		pool.Start()

		done := make(chan struct{})
		require.NoError(t, pool.Submit(func() { panic("boom") }))
		require.NoError(t, pool.Submit(func() { close(done) }))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("worker died after panic")
		}
		pool.Stop()
	})
}
