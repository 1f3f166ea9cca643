// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package queue provides a bounded blocking FIFO used as the task channel
// between the I/O loop and the worker pool, and as the free list of the
// resource pool.
package queue

import "sync"

// Queue is a size-bounded FIFO with blocking Put and Take and a terminal
// stopped state. After Stop, Put fails immediately and Take drains the
// remaining elements before reporting closure.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	capacity int
	stopped  bool
}

// New creates a queue bounded to capacity elements. A capacity of zero or
// less means unbounded.
func New[T any](capacity int) *Queue[T] {
	q := &Queue[T]{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put appends v, blocking while the queue is full. It returns false if the
// queue is stopped before the element could be enqueued.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.stopped && q.capacity > 0 && len(q.items) >= q.capacity {
		q.notFull.Wait()
	}
	if q.stopped {
		return false
	}

	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return true
}

// Take removes the oldest element, blocking while the queue is empty. It
// returns false once the queue is stopped and drained.
func (q *Queue[T]) Take() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.stopped && len(q.items) == 0 {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	v := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, true
}

// Stop wakes all waiters. Pending elements remain takeable.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len reports the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
