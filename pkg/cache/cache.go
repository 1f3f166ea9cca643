// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the caching policies sitting between request
// handlers and the key-value tier: pass-through reads with negative
// caching, logical expiry with asynchronous rebuild, and a fixed-window
// admission limiter for the degraded path.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
)

// NullMark is the reserved value cached for keys confirmed absent in the
// relational store. It can never collide with encoded JSON.
const NullMark = "_NULL_"

var errEncode = errors.New("failed to encode cache value")

// Loader fetches the value from the backing store on a cache miss. The
// boolean reports whether the value exists.
type Loader[T any] func(ctx context.Context) (T, bool, error)

// Submitter schedules a background task. Injecting the worker pool bounds
// rebuild concurrency; without one the engine spawns a goroutine.
type Submitter func(task func())

// Engine applies caching policies over a key-value store.
type Engine struct {
	store  kv.Store
	submit Submitter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSubmitter routes background rebuilds through submit.
func WithSubmitter(submit Submitter) Option {
	return func(e *Engine) { e.submit = submit }
}

// WithClock overrides the expiry clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a caching engine over store.
func NewEngine(store kv.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying key-value store.
func (e *Engine) Store() kv.Store {
	return e.store
}

func (e *Engine) background(task func()) {
	if e.submit != nil {
		e.submit(task)
		return
	}
	go task()
}

// Set writes value under key with a store-level ttl.
func Set[T any](ctx context.Context, e *Engine, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(errEncode, err)
	}
	return e.store.Set(ctx, key, string(raw), ttl)
}

// GetWithPassThrough reads key, falling back on load and remembering
// negative results under the null marker so that lookups of absent keys do
// not reach the relational store repeatedly.
func GetWithPassThrough[T any](ctx context.Context, e *Engine, key string, nullTTL, normalTTL time.Duration, load Loader[T]) (T, bool, error) {
	var zero T

	cached, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
		if cached == NullMark {
			return zero, false, nil
		}
		var v T
		if uerr := json.Unmarshal([]byte(cached), &v); uerr == nil {
			return v, true, nil
		}
		// Undecodable entry is treated as a miss and overwritten below.
	case !errors.Contains(err, kv.ErrNotFound):
		return zero, false, err
	}

	v, found, err := load(ctx)
	if err != nil {
		return zero, false, err
	}
	if !found {
		if serr := e.store.Set(ctx, key, NullMark, nullTTL); serr != nil {
			e.logger.Warn("failed to cache null marker", slog.String("key", key), slog.Any("error", serr))
		}
		return zero, false, nil
	}

	if serr := Set(ctx, e, key, v, normalTTL); serr != nil {
		e.logger.Warn("failed to fill cache", slog.String("key", key), slog.Any("error", serr))
	}
	return v, true, nil
}

type logicalEntry struct {
	Data     json.RawMessage `json:"data"`
	ExpireAt int64           `json:"expireAt"`
}

// SetLogicalExpire writes value wrapped in a {data, expireAt} envelope with
// no store-level ttl; staleness is a read-side decision.
func SetLogicalExpire[T any](ctx context.Context, e *Engine, key string, value T, logicalTTL time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(errEncode, err)
	}
	entry := logicalEntry{
		Data:     raw,
		ExpireAt: e.now().Add(logicalTTL).Unix(),
	}
	enc, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(errEncode, err)
	}
	return e.store.Set(ctx, key, string(enc), 0)
}

// PeekLogical returns the value under key only when an entry is present
// and still fresh. It never loads and never rewrites, which makes it the
// double-check step for callers serializing rebuilds.
func PeekLogical[T any](ctx context.Context, e *Engine, key string) (T, bool, error) {
	var zero T

	cached, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Contains(err, kv.ErrNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}

	var entry logicalEntry
	if uerr := json.Unmarshal([]byte(cached), &entry); uerr != nil || entry.Data == nil {
		return zero, false, nil
	}
	var v T
	if uerr := json.Unmarshal(entry.Data, &v); uerr != nil {
		return zero, false, nil
	}
	if e.now().Unix() >= entry.ExpireAt {
		return zero, false, nil
	}
	return v, true, nil
}

// GetWithLogicalExpire reads a logically expiring entry. A stale entry is
// returned immediately while a background task reloads and rewrites it.
// Multiple rebuilds for the same key are not coordinated here; callers
// needing single-flight serialize around the engine.
func GetWithLogicalExpire[T any](ctx context.Context, e *Engine, key string, logicalTTL time.Duration, load Loader[T]) (T, bool, error) {
	var zero T

	reload := func() (T, bool, error) {
		v, found, err := load(ctx)
		if err != nil || !found {
			return zero, false, err
		}
		if serr := SetLogicalExpire(ctx, e, key, v, logicalTTL); serr != nil {
			e.logger.Warn("failed to fill cache", slog.String("key", key), slog.Any("error", serr))
		}
		return v, true, nil
	}

	cached, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Contains(err, kv.ErrNotFound) {
			return reload()
		}
		return zero, false, err
	}

	var entry logicalEntry
	if uerr := json.Unmarshal([]byte(cached), &entry); uerr != nil || entry.Data == nil {
		// Garbage under the key; rebuild from the store.
		return reload()
	}

	var v T
	if uerr := json.Unmarshal(entry.Data, &v); uerr != nil {
		return reload()
	}

	if e.now().Unix() < entry.ExpireAt {
		return v, true, nil
	}

	// Stale: serve the old value and rebuild off the request path.
	e.background(func() {
		bctx := context.WithoutCancel(ctx)
		fresh, found, lerr := load(bctx)
		if lerr != nil || !found {
			if lerr != nil {
				e.logger.Warn("cache rebuild failed", slog.String("key", key), slog.Any("error", lerr))
			}
			return
		}
		if serr := SetLogicalExpire(bctx, e, key, fresh, logicalTTL); serr != nil {
			e.logger.Warn("cache rebuild write failed", slog.String("key", key), slog.Any("error", serr))
		}
	})

	return v, true, nil
}

// Jitter returns base extended by a random duration in [0, spread).
func Jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(spread)))
}
