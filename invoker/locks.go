// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package invoker

import (
	"context"
	"sync"
)

// Locks serializes agent runs per workspace. Each workspace gets an
// independent slot: two workspaces run concurrently, two runs against
// the same workspace never do.
type Locks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{slots: make(map[string]chan struct{})}
}

func (l *Locks) slot(workspace string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[workspace]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[workspace] = slot
	}
	return slot
}

// Acquire blocks until the workspace slot is free or ctx is done.
func (l *Locks) Acquire(ctx context.Context, workspace string) error {
	select {
	case l.slot(workspace) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the workspace slot without blocking. It reports
// whether the slot was acquired.
func (l *Locks) TryAcquire(workspace string) bool {
	select {
	case l.slot(workspace) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot. Releasing an unheld slot
// panics; that is always a caller bug.
func (l *Locks) Release(workspace string) {
	select {
	case <-l.slot(workspace):
	default:
		panic("invoker: release of unheld workspace lock: " + workspace)
	}
}
