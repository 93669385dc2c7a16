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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	gerrors "github.com/silogrid/silogrid/errors"
)

func TestActivationFIFO(t *testing.T) {
	a := testActivation("roomA", time.Hour)
	a.state.Store(stateValid)

	const items = 200
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < items; i++ {
		i := i
		require.NoError(t, a.enqueueInvocation(false, func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == items {
				close(done)
			}
			mu.Unlock()
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("items did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < items; i++ {
		assert.Equal(t, i, order[i], "items begin in enqueue order")
	}
}

func TestActivationNoParallelTurns(t *testing.T) {
	a := testActivation("roomA", time.Hour)
	a.state.Store(stateValid)

	running := atomic.NewInt32(0)
	peak := atomic.NewInt32(0)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, a.enqueueInvocation(false, func() {
			defer wg.Done()
			now := running.Inc()
			if now > peak.Load() {
				peak.Store(now)
			}
			time.Sleep(time.Millisecond)
			running.Dec()
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load(), "turns of one activation never run in parallel")
}

func TestActivationSystemLanePriority(t *testing.T) {
	a := testActivation("roomA", time.Hour)
	a.state.Store(stateValid)

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	done := make(chan struct{})

	// occupy the loop so the next items queue up behind the gate
	require.NoError(t, a.enqueueInvocation(false, func() { <-gate }))
	require.NoError(t, a.enqueueInvocation(false, func() {
		mu.Lock()
		order = append(order, "app")
		mu.Unlock()
		close(done)
	}))
	require.NoError(t, a.enqueueSystem(func() {
		mu.Lock()
		order = append(order, "system")
		mu.Unlock()
	}))

	close(gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("items did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, []string{"system", "app"}, order, "system items run before queued application items")
}

func TestActivationNonReentrantStash(t *testing.T) {
	a := testActivation("roomA", time.Hour)
	a.state.Store(stateValid)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	suspended := make(chan struct{})
	done := make(chan struct{})

	// R1 suspends at an await boundary
	require.NoError(t, a.enqueueInvocation(false, func() {
		record("r1-start")
		a.beginSuspension()
		close(suspended)
	}))

	<-suspended

	// R2 arrives while R1 is suspended: it must not begin
	require.NoError(t, a.enqueueInvocation(false, func() {
		record("r2")
		close(done)
	}))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"r1-start"}, order, "a non-reentrant activation stashes new invocations while suspended")
	mu.Unlock()

	// R1's continuation resumes and completes; R2 drains afterwards
	require.NoError(t, a.enqueueContinuation(func() {
		a.endSuspension()
		record("r1-resume")
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stashed item did not drain after resume")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1-start", "r1-resume", "r2"}, order)
}

func TestActivationReentrantInterleaving(t *testing.T) {
	a := testActivation("roomA", time.Hour)
	a.reentrancy = Reentrant
	a.state.Store(stateValid)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	suspended := make(chan struct{})
	r2done := make(chan struct{})
	r1done := make(chan struct{})

	require.NoError(t, a.enqueueInvocation(false, func() {
		record("r1-start")
		a.beginSuspension()
		close(suspended)
	}))
	<-suspended

	require.NoError(t, a.enqueueInvocation(false, func() {
		record("r2")
		close(r2done)
	}))

	select {
	case <-r2done:
	case <-time.After(time.Second):
		t.Fatal("a reentrant activation interleaves new invocations with suspended turns")
	}

	require.NoError(t, a.enqueueContinuation(func() {
		a.endSuspension()
		record("r1-resume")
		close(r1done)
	}))
	<-r1done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1-start", "r2", "r1-resume"}, order)
}

func TestActivationInterleavePredicate(t *testing.T) {
	a := testActivation("roomA", time.Hour)
	a.state.Store(stateValid)

	suspended := make(chan struct{})
	readDone := make(chan struct{})

	require.NoError(t, a.enqueueInvocation(false, func() {
		a.beginSuspension()
		close(suspended)
	}))
	<-suspended

	// a read-only request flagged interleavable runs even while suspended
	require.NoError(t, a.enqueueInvocation(true, func() { close(readDone) }))

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("interleavable item did not run during suspension")
	}
	a.endSuspension()
}

func TestActivationRejectsWhileDraining(t *testing.T) {
	a := testActivation("roomA", time.Hour)
	a.state.Store(stateDeactivating)

	err := a.enqueueInvocation(false, func() {})
	assert.ErrorIs(t, err, gerrors.ErrActivationDeactivating)

	a.state.Store(stateInvalid)
	err = a.enqueueInvocation(false, func() {})
	assert.ErrorIs(t, err, gerrors.ErrActivationNotFound)
}
