// Package queue implements the engine's concurrency primitives: the
// bounded, joinable work queue, the single-stage worker loop, the
// generic multi-stage Pipeline, and the fan-in/fan-out PipelinePool
// (spec.md §4.1-§4.4).
package queue

import (
	"sync"
	"sync/atomic"
)

// BoundedQueue is a thread-safe FIFO of owned values with blocking waits,
// a bounded push and a producer-side join signal (spec.md §4.1).
//
// The source models this as a two-lock, sentinel-node linked list so push
// and pop never contend on the same lock. spec.md §9 explicitly allows
// substituting any MPMC channel with equivalent semantics; a single mutex
// paired with a condition variable is the idiomatic Go shape here and
// keeps can_push, push, try_pop and wait_and_pop trivially consistent
// with one another.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	notFull  sync.Cond
	items    []T
	capacity int // 0 means unbounded
	joined   bool
}

// NewBoundedQueue creates a queue with the given capacity. A capacity of
// 0 means unbounded (push never blocks on capacity).
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	q := &BoundedQueue[T]{capacity: capacity}
	q.notEmpty.L = &q.mu
	q.notFull.L = &q.mu
	return q
}

// Push enqueues v, blocking while the queue is at capacity. Never fails;
// v is always accepted once room is available (spec.md §4.1 "push never
// fails"). Pushing after Join is accepted — producers are expected to
// have stopped by then, but Join does not reject late pushes.
func (q *BoundedQueue[T]) Push(v T) {
	q.mu.Lock()
	for q.capacity > 0 && len(q.items) >= q.capacity {
		q.notFull.Wait()
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notEmpty.Signal()
}

// TryPop returns immediately: the next value and true, or the zero value
// and false if the queue is currently empty.
func (q *BoundedQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// WaitAndPop blocks until a value is available or the queue has been
// joined and drained, in which case it returns (zero, false) — the
// DrainedSignal of spec.md §7.
func (q *BoundedQueue[T]) WaitAndPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.joined {
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// WaitAndPopCancelable is like WaitAndPop but also wakes and returns
// (zero, false) once cancelled.Load() becomes true, without marking the
// queue joined. This backs Stage cancellation (spec.md §5's two
// suspension points) independently of a queue's normal join/drain path,
// which matters when the queue is shared by a PipelinePool: cancelling
// one pipeline must not disturb the other pipelines still reading the
// same shared queue. Call Wake after flipping cancelled to release
// anyone already blocked.
func (q *BoundedQueue[T]) WaitAndPopCancelable(cancelled *atomic.Bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.joined {
		if cancelled.Load() {
			var zero T
			return zero, false
		}
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// Wake broadcasts to every waiter without changing any state. Used
// alongside WaitAndPopCancelable to release blocked waiters promptly
// after a cancellation flag flips.
func (q *BoundedQueue[T]) Wake() {
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *BoundedQueue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero // drop the reference so it can be GC'd
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, true
}

// CanPush reports whether a push would proceed without blocking right
// now. It is a hint, not a guarantee — spec.md §9 notes the source uses
// it both as a spin-yield hint and as a gate, and leaves both call
// patterns to the caller.
func (q *BoundedQueue[T]) CanPush() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity == 0 || len(q.items) < q.capacity
}

// SetCapacity changes the push limit. Already-enqueued items beyond the
// new capacity are unaffected; they simply drain before any caller
// blocks on Push again.
func (q *BoundedQueue[T]) SetCapacity(n int) {
	q.mu.Lock()
	q.capacity = n
	q.mu.Unlock()
	q.notFull.Broadcast()
}

// Join marks the queue joined and wakes every waiter. Pops continue to
// return real values until the queue empties, then return (zero, false)
// for every subsequent call.
func (q *BoundedQueue[T]) Join() {
	q.mu.Lock()
	q.joined = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// IsEmpty reports whether the queue currently holds no items.
func (q *BoundedQueue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// IsJoined reports whether Join has been called.
func (q *BoundedQueue[T]) IsJoined() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.joined
}

// Len returns the current occupancy, for metrics/Observer sampling.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
