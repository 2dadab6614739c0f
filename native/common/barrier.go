package common

import "sync"

// Barrier separates ordinary mutations from operations that need a consistent
// view across every entity (snapshots, audits). Mutations Enter the barrier as
// shared holders; Freeze takes it exclusively. A nil Barrier is a no-op.
type Barrier struct {
	mu sync.RWMutex
}

// Enter registers a mutation and returns the function that releases it.
func (b *Barrier) Enter() func() {
	if b == nil {
		return func() {}
	}
	b.mu.RLock()
	return b.mu.RUnlock
}

// Freeze runs fn while no mutation is in flight.
func (b *Barrier) Freeze(fn func() error) error {
	if b == nil {
		return fn()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn()
}
