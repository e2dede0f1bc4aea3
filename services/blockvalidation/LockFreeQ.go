package blockvalidation

import (
	"sync/atomic"
)

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// LockFreeQ is a FIFO queue that is safe for concurrent enqueueing, but not for dequeueing.
// Reference: https://www.cs.rochester.edu/research/synchronization/pseudocode/queues.html
type LockFreeQ[T any] struct {
	head atomic.Pointer[node[T]] // last enqueued node
	tail *node[T]                // last dequeued node, owned by the consumer
}

func NewLockFreeQ[T any]() *LockFreeQ[T] {
	stub := &node[T]{}

	q := &LockFreeQ[T]{tail: stub}
	q.head.Store(stub)

	return q
}

// enqueue is thread safe, it uses atomic operations to add to the queue
func (q *LockFreeQ[T]) enqueue(v T) {
	n := &node[T]{value: v}
	prev := q.head.Swap(n)
	prev.next.Store(n)
}

// dequeue is not thread safe, it should only be called from a single goroutine !!!
//
// An enqueue that swapped the head but has not linked its node yet is not visible, dequeue
// reports an empty queue until it is.
func (q *LockFreeQ[T]) dequeue() (T, bool) {
	next := q.tail.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}

	q.tail = next

	v := next.value

	var zero T
	next.value = zero

	return v, true
}

// IsEmpty checks if the queue is empty, from the consumer's point of view.
func (q *LockFreeQ[T]) IsEmpty() bool {
	return q.tail.next.Load() == nil
}
