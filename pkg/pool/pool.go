// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a fixed-size resource pool with auto-returning
// handles and a coarse health signal consulted by the cache fallback paths.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/elaysia-feng/nebulachat/pkg/queue"
)

var (
	// ErrInit indicates that eager resource construction failed.
	ErrInit = errors.New("failed to initialize resource pool")

	// ErrClosed indicates an acquire on a closed pool.
	ErrClosed = errors.New("resource pool is closed")
)

// Factory constructs one pooled resource.
type Factory[T any] func(ctx context.Context) (T, error)

// Pool holds N eagerly constructed resources. Acquire blocks until one is
// free; releasing the handle always returns the resource, healthy or not.
type Pool[T any] struct {
	free *queue.Queue[T]
	size int
	down atomic.Bool
}

// New eagerly builds size resources with factory. On any construction
// failure the pool is marked down and the error returned.
func New[T any](ctx context.Context, size int, factory Factory[T]) (*Pool[T], error) {
	p := &Pool[T]{
		free: queue.New[T](size),
		size: size,
	}
	for i := 0; i < size; i++ {
		r, err := factory(ctx)
		if err != nil {
			p.down.Store(true)
			return nil, errors.Wrap(ErrInit, err)
		}
		p.free.Put(r)
	}
	return p, nil
}

// Acquire blocks until a resource is free or ctx is done. A successful
// acquire clears the down signal; a failed one sets it.
func (p *Pool[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	type taken struct {
		v  T
		ok bool
	}
	ch := make(chan taken, 1)
	go func() {
		v, ok := p.free.Take()
		ch <- taken{v, ok}
	}()

	select {
	case <-ctx.Done():
		// The background Take keeps running; if it wins later, hand the
		// resource straight back so none is lost.
		go func() {
			if t := <-ch; t.ok {
				p.free.Put(t.v)
			}
		}()
		p.down.Store(true)
		return nil, ctx.Err()
	case t := <-ch:
		if !t.ok {
			p.down.Store(true)
			return nil, ErrClosed
		}
		p.down.Store(false)
		return &Handle[T]{pool: p, resource: t.v}, nil
	}
}

// Down reports whether the last acquire (or initialization) failed.
func (p *Pool[T]) Down() bool {
	return p.down.Load()
}

// MarkDown forces the down signal, used when a pooled resource observes its
// backing store unreachable.
func (p *Pool[T]) MarkDown() {
	p.down.Store(true)
}

// Size returns the configured pool size.
func (p *Pool[T]) Size() int {
	return p.size
}

// Idle returns the number of currently free resources.
func (p *Pool[T]) Idle() int {
	return p.free.Len()
}

// Close stops the pool; outstanding handles may still be released.
func (p *Pool[T]) Close() {
	p.free.Stop()
}

// Handle is a scoped loan of one resource. Release is idempotent and must
// run on every exit path; defer it right after Acquire.
type Handle[T any] struct {
	pool     *Pool[T]
	resource T
	once     sync.Once
}

// Resource exposes the loaned resource.
func (h *Handle[T]) Resource() T {
	return h.resource
}

// Release returns the resource to the pool, regardless of its health.
func (h *Handle[T]) Release() {
	h.once.Do(func() {
		h.pool.free.Put(h.resource)
	})
}
