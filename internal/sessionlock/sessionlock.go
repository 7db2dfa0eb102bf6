// Package sessionlock serializes reply dispatch per session key. Waiters on
// the same key run strictly in arrival order; distinct keys never block
// each other.
package sessionlock

import (
	"context"
	"sync"
)

// queue tracks one key's holder and its FIFO wait list.
type queue struct {
	held    bool
	waiters []chan struct{}
}

// Table is a process-wide set of per-key FIFO locks. The zero value is not
// usable; create with NewTable.
type Table struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{queues: make(map[string]*queue)}
}

// Handle releases one acquisition. Release is idempotent so callers can
// invoke it from a guaranteed-cleanup path on both success and failure.
type Handle struct {
	table *Table
	key   string
	once  sync.Once
}

// Release unblocks the next waiter on the key, removing the key's queue
// entirely when the caller was the last holder.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.table.release(h.key)
	})
}

// Acquire blocks until every earlier acquirer of key has released, then
// returns the release handle. Returns ctx.Err if the context is canceled
// while waiting; a canceled waiter gives up its queue slot.
func (t *Table) Acquire(ctx context.Context, key string) (*Handle, error) {
	t.mu.Lock()
	q := t.queues[key]
	if q == nil {
		t.queues[key] = &queue{held: true}
		t.mu.Unlock()
		return &Handle{table: t, key: key}, nil
	}

	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	t.mu.Unlock()

	select {
	case <-ready:
		return &Handle{table: t, key: key}, nil
	case <-ctx.Done():
		t.abandon(key, ready)
		return nil, ctx.Err()
	}
}

func (t *Table) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[key]
	if q == nil {
		return
	}
	if len(q.waiters) == 0 {
		delete(t.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// abandon removes a canceled waiter from the queue. If the waiter was
// already signaled before cancellation won the race, the lock is passed on
// as a regular release.
func (t *Table) abandon(key string, ready chan struct{}) {
	t.mu.Lock()
	q := t.queues[key]
	if q != nil {
		for i, w := range q.waiters {
			if w == ready {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				t.mu.Unlock()
				return
			}
		}
	}
	t.mu.Unlock()

	// Not found in the wait list: the signal already fired. Hand the lock
	// to the next waiter so the chain keeps moving.
	select {
	case <-ready:
		t.release(key)
	default:
	}
}

// Len reports how many keys currently have a queue entry.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues)
}
