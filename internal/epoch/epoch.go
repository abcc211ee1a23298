// Package epoch provides change counters that support long-poll waiting.
// Each observable domain (jobs, machines) gets one Epoch; the allocator
// bumps it whenever anything in that domain changes, and notifier tasks
// block on it between snapshots.
package epoch

import (
	"context"
	"sync"
	"time"
)

// Epoch is a monotonic change counter with a wait-for-change primitive.
// The zero value is ready to use.
type Epoch struct {
	mu      sync.Mutex
	counter uint64
	changed chan struct{} // closed on every bump, then replaced
}

// Current returns a token capturing the counter now. A later WaitForChange
// with this token returns immediately if any bump happened in between.
func (e *Epoch) Current() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// Bump advances the counter and wakes all current waiters.
func (e *Epoch) Bump() {
	e.mu.Lock()
	e.counter++
	if e.changed != nil {
		close(e.changed)
		e.changed = nil
	}
	e.mu.Unlock()
}

// WaitForChange blocks until the counter advances past token, the timeout
// elapses, or ctx is cancelled. It returns true only if the counter moved.
// A bump between Current and WaitForChange is observed without blocking.
func (e *Epoch) WaitForChange(ctx context.Context, token uint64, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if e.counter > token {
			e.mu.Unlock()
			return true
		}
		if e.changed == nil {
			e.changed = make(chan struct{})
		}
		ch := e.changed
		e.mu.Unlock()

		select {
		case <-ch:
			// Re-check under the lock; spurious wakeups retry.
		case <-deadline.C:
			return e.Current() > token
		case <-ctx.Done():
			return e.Current() > token
		}
	}
}

// Tracker holds the process-wide epochs, one per observable domain.
type Tracker struct {
	Jobs     Epoch
	Machines Epoch
}

// NewTracker creates a Tracker with fresh epochs.
func NewTracker() *Tracker {
	return &Tracker{}
}
