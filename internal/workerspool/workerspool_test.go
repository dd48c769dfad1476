// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/xrt/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_GoDoesNotBlock(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)
	release := xsync.NewLatch()
	var count atomic.Int32

	// Both tasks are handed immediately, even though only one runs at a time.
	for range 2 {
		pool.Go(func() {
			count.Add(1)
			release.Wait()
		})
	}
	assert.Equal(t, 2, pool.NumPending())
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load(), "parallelism limit of 1 not respected")
	assert.Equal(t, 1, pool.NumRunning())
	assert.False(t, pool.WaitTimeout(time.Millisecond))

	release.Trigger()
	require.True(t, pool.WaitTimeout(time.Second))
	assert.Equal(t, int32(2), count.Load())
	assert.Equal(t, 0, pool.NumPending())
	assert.Equal(t, 0, pool.NumRunning())
}

func TestPool_Unlimited(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(-1)
	const numTasks = 10
	var started atomic.Int32
	allStarted := xsync.NewLatch()
	for range numTasks {
		pool.Go(func() {
			if started.Add(1) == numTasks {
				allStarted.Trigger()
			}
			allStarted.Wait()
		})
	}
	pool.Wait()
	assert.Equal(t, int32(numTasks), started.Load())
}

func TestPool_ZeroParallelism(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	assert.Equal(t, 1, pool.MaxParallelism())
	done := xsync.NewLatch()
	pool.Go(done.Trigger)
	assert.True(t, done.WaitTimeout(time.Second))
	pool.Wait()
}
