// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs long background tasks, like engine builds, with a soft limit on how
// many run in parallel, and lets owners wait for all of them to finish.
package workerspool

import (
	"runtime"
	"sync"
	"time"

	"github.com/gomlx/xrt/pkg/support/xsync"
)

// Pool of workers for background tasks.
//
// Tasks handed with Go never block the caller: they are queued on their own goroutine until a
// worker slot is available.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// If < 0 it is unlimited, and 0 is treated as 1.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int

	// pending counts tasks handed to Go that have not finished (queued or running).
	pending *xsync.DynamicWaitGroup
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{
		maxParallelism: runtime.NumCPU(),
		pending:        xsync.NewDynamicWaitGroup(),
	}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism is a soft-target for parallelism.
func (w *Pool) MaxParallelism() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. If set to -1 parallelism is unlimited.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if maxParallelism == 0 {
		maxParallelism = 1
	}
	w.maxParallelism = maxParallelism
	w.cond.Broadcast()
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// Go runs task in the background, as soon as a worker is available. It never blocks.
func (w *Pool) Go(task func()) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		w.mu.Lock()
		for w.lockedIsFull() {
			w.cond.Wait()
		}
		w.numRunning++
		w.mu.Unlock()

		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// NumRunning returns the number of tasks currently running (not counting the queued ones).
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

// NumPending returns the number of tasks queued or running.
func (w *Pool) NumPending() int {
	return w.pending.Count()
}

// Wait for all tasks handed to Go to finish, including those handed while waiting.
func (w *Pool) Wait() {
	w.pending.Wait()
}

// WaitTimeout is like Wait, but gives up after timeout. It returns whether all tasks finished.
func (w *Pool) WaitTimeout(timeout time.Duration) bool {
	return w.pending.WaitTimeout(timeout)
}
