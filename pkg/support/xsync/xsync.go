// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import (
	"sync"
	"time"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch. Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// WaitTimeout waits at most timeout for the latch to be triggered.
// It returns whether the latch was triggered.
func (l *Latch) WaitTimeout(timeout time.Duration) bool {
	if l.Test() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.wait:
		return true
	case <-timer.C:
		return false
	}
}

// Test checks whether the latch has been triggered. It never blocks.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// LatchWithValue implements a "latch" synchronization mechanism, with a value associated with the
// triggering of the latch.
//
// The value is published before the latch is closed, so any reader that observes the latch
// triggered (Test, Wait or WaitTimeout) also observes the value.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{
		latch: NewLatch(),
	}
}

// Trigger latch and saves the associated value.
// If the latch was already triggered, the value is discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if l.latch.Test() {
		return
	}
	l.value = value
	close(l.latch.wait)
}

// Wait waits for the latch to be triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// WaitTimeout waits at most timeout for the latch. It returns the value and true if the latch
// was triggered, or the zero value and false on timeout.
func (l *LatchWithValue[T]) WaitTimeout(timeout time.Duration) (value T, ok bool) {
	if !l.latch.WaitTimeout(timeout) {
		return
	}
	return l.value, true
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}
