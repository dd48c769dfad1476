package xsync

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like synchronization primitive that allows the count
// to be changed (new values added) while someone is waiting for it.
//
// The zero value is not usable, create it with NewDynamicWaitGroup.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	cwg := &DynamicWaitGroup{}
	cwg.cond = sync.NewCond(&cwg.mu)
	return cwg
}

// Add changes the DynamicWaitGroup counter by the given delta.
// If the counter becomes zero, it broadcasts to all waiting goroutines.
// If the counter would go negative, it panics.
func (cwg *DynamicWaitGroup) Add(delta int) {
	cwg.mu.Lock()
	defer cwg.mu.Unlock()
	cwg.count += int64(delta)
	if cwg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}
	if cwg.count == 0 {
		cwg.cond.Broadcast()
	}
}

// Done decrements the DynamicWaitGroup counter by one.
func (cwg *DynamicWaitGroup) Done() {
	cwg.Add(-1)
}

// Count returns the current value of the counter.
func (cwg *DynamicWaitGroup) Count() int {
	cwg.mu.Lock()
	defer cwg.mu.Unlock()
	return int(cwg.count)
}

// Wait blocks until the DynamicWaitGroup counter is zero.
func (cwg *DynamicWaitGroup) Wait() {
	cwg.mu.Lock()
	defer cwg.mu.Unlock()
	// sync.Cond.Wait() can have spurious wakeups.
	for cwg.count > 0 {
		cwg.cond.Wait()
	}
}

// WaitTimeout is like Wait, but gives up after timeout. It returns whether the counter reached zero.
func (cwg *DynamicWaitGroup) WaitTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	cwg.mu.Lock()
	defer cwg.mu.Unlock()
	if cwg.count == 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}
	// Wakes up the waiter at the deadline: it broadcasts only once cond.Wait released the lock.
	timer := time.AfterFunc(timeout, func() {
		cwg.mu.Lock()
		defer cwg.mu.Unlock()
		cwg.cond.Broadcast()
	})
	defer timer.Stop()
	for cwg.count > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		cwg.cond.Wait()
	}
	return true
}
