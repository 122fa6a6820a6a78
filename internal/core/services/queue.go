package services

import "sync"

// Queue is a bounded FIFO. ForcePush evicts the oldest element when full so
// producers never block.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make([]T, capacity)}
}

// TryPush appends v and reports false when the queue is full.
func (q *Queue[T]) TryPush(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.items) {
		return false
	}
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	return true
}

// ForcePush appends v, returning the evicted element if one was dropped.
func (q *Queue[T]) ForcePush(v T) (dropped T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.items) {
		dropped, ok = q.items[q.head], true
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	return dropped, ok
}

// TryPop removes the oldest element.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopIfAtLeast removes the oldest element only when at least n are queued.
func (q *Queue[T]) PopIfAtLeast(n int) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size < n {
		var zero T
		return zero, false
	}
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return v, true
}

// Drain removes and returns every queued element.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, q.size)
	for q.size > 0 {
		v, _ := q.popLocked()
		out = append(out, v)
	}
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue[T]) Cap() int {
	return len(q.items)
}
