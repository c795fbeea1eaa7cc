package scheduler

import (
	"context"
	"sync"
)

// Bridge delivers task callbacks to their owner for as long as the owner is
// alive. Detach waits for deliveries in progress.
type Bridge struct {
	mu     sync.RWMutex
	closed bool
}

func NewBridge() *Bridge {
	return &Bridge{}
}

// Deliver runs fn unless the bridge is detached, and reports whether it ran.
func (b *Bridge) Deliver(fn func()) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}
	fn()
	return true
}

func (b *Bridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *Bridge) Alive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Execute wraps fn so it only runs while the bridge is alive.
func (b *Bridge) Execute(fn ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, t *Task) {
		b.Deliver(func() { fn(ctx, t) })
	}
}

// PostExecute wraps fn so it only runs while the bridge is alive.
func (b *Bridge) PostExecute(fn PostExecuteFunc) PostExecuteFunc {
	return func(t *Task, cancelled bool) {
		b.Deliver(func() { fn(t, cancelled) })
	}
}
