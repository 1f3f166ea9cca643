// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/pool"
)

var _ Store = (*Pooled)(nil)
var _ Status = (*Pooled)(nil)

// Pooled is a Store that borrows a dedicated store connection from a pool
// for every operation and returns it on all exit paths. Its Down signal is
// the pool's, so callers can gate relational fallbacks on it.
type Pooled struct {
	pool *pool.Pool[Store]
}

// NewPooled wraps a pool of store connections.
func NewPooled(p *pool.Pool[Store]) *Pooled {
	return &Pooled{pool: p}
}

// Down reports whether the last pool acquire failed.
func (p *Pooled) Down() bool {
	return p.pool.Down()
}

func (p *Pooled) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.Resource().Set(ctx, key, value, ttl)
}

func (p *Pooled) SetNxEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer h.Release()
	return h.Resource().SetNxEx(ctx, key, value, ttl)
}

func (p *Pooled) Get(ctx context.Context, key string) (string, error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer h.Release()
	return h.Resource().Get(ctx, key)
}

func (p *Pooled) Del(ctx context.Context, keys ...string) (int64, error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Resource().Del(ctx, keys...)
}

func (p *Pooled) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer h.Release()
	return h.Resource().Expire(ctx, key, ttl)
}

func (p *Pooled) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Resource().IncrBy(ctx, key, delta)
}

func (p *Pooled) Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Resource().Eval(ctx, script, keys, args...)
}
