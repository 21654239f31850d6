// Package queue implements the per-device queue (C5): a FIFO of runnable
// RunInfo device views plus the synchronization primitives the
// scheduler's worker loop needs to form batches under the queue mutex
// and execute outside it, grounded on original_source/src/
// background_workers.c's RunQueueInfo.
package queue

import (
	"context"
	"sync"

	"github.com/swarmguard/daginferd/internal/runinfo"
)

// Queue is a FIFO of device views for one device string, guarded by a
// mutex and condition variable per §4.2/§5. The scheduler's worker loop
// takes the lock itself (via Lock/Unlock) to form a batch by inspecting
// and removing several queue entries atomically, then releases it before
// calling into the backend — the locking order and never-hold-across-
// backend-call rule live in the scheduler, not here.
type Queue struct {
	Device string

	mu     sync.Mutex
	cond   *sync.Cond
	items  []*runinfo.DeviceView
	closed bool
}

func New(device string) *Queue {
	q := &Queue{Device: device}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Lock/Unlock expose the queue mutex directly so the scheduler can hold
// it across the whole batch-formation step (§4.3 step 2).
func (q *Queue) Lock()   { q.mu.Lock() }
func (q *Queue) Unlock() { q.mu.Unlock() }

// PushBack appends a device view and wakes one waiting worker. Safe to
// call without holding the lock.
func (q *Queue) PushBack(dv *runinfo.DeviceView) {
	q.mu.Lock()
	q.items = append(q.items, dv)
	q.mu.Unlock()
	q.cond.Signal()
}

// PushFrontLocked prepends dv; caller must hold the lock. Used to
// prioritise progress on a DAG that has more ready work (§4.3 step 4).
func (q *Queue) PushFrontLocked(dv *runinfo.DeviceView) {
	q.items = append([]*runinfo.DeviceView{dv}, q.items...)
}

// PushBackLocked appends dv; caller must hold the lock.
func (q *Queue) PushBackLocked(dv *runinfo.DeviceView) {
	q.items = append(q.items, dv)
}

// RemoveAtLocked removes and returns the item at index i; caller must
// hold the lock.
func (q *Queue) RemoveAtLocked(i int) *runinfo.DeviceView {
	dv := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return dv
}

// ItemsLocked exposes the current slice for scan/batch formation; caller
// must hold the lock and must not retain the slice past Unlock.
func (q *Queue) ItemsLocked() []*runinfo.DeviceView {
	return q.items
}

// LenLocked reports the queue depth; caller must hold the lock.
func (q *Queue) LenLocked() int { return len(q.items) }

// RotateSecondToFrontLocked swaps the front two items, giving the second
// item priority — the "rotate the next item ahead of it" behaviour from
// §4.3 step 4 when the front item isn't ready but other work is.
func (q *Queue) RotateSecondToFrontLocked() {
	if len(q.items) < 2 {
		return
	}
	q.items[0], q.items[1] = q.items[1], q.items[0]
}

// Broadcast wakes every waiting worker; used after a locked mutation that
// may have changed readiness for more than one waiter.
func (q *Queue) Broadcast() { q.cond.Broadcast() }

// WaitForWork blocks until the queue is non-empty or the queue is closed.
// A cancelled ctx is only noticed when the waiter is next woken (by
// PushBack, Broadcast or Close) while the queue is still empty. It returns
// false when the worker should exit.
// Caller must NOT hold the lock; WaitForWork manages it internally.
func (q *Queue) WaitForWork(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			return false
		}
		// sync.Cond has no context-aware wait; Close broadcasts and
		// PushBack signals, and callers re-check ctx.Err()
		// on every wake, bounding the staleness of cancellation.
		q.cond.Wait()
	}
	return !q.closed
}

// Close marks the queue closed and wakes every waiter so worker
// goroutines can observe shutdown and exit (§4.2 "shutdown joins them").
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Registry is the process-wide device-string -> queue map (§9 "Global
// state"), lazily initialised and never torn down before process exit.
type Registry struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: map[string]*Queue{}}
}

// GetOrCreate returns the queue for device, creating it on first use.
func (r *Registry) GetOrCreate(device string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[device]
	if !ok {
		q = New(device)
		r.queues[device] = q
	}
	return q
}

// All returns a snapshot of every known queue, for shutdown and stats.
func (r *Registry) All() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}
