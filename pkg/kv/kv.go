// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package kv defines the key-value store surface consumed by the caching
// layer, the SMS codes, the id issuer and the distributed lock.
package kv

import (
	"context"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
)

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is the operation surface over the key-value tier.
type Store interface {
	// Set writes value under key. A zero ttl leaves the key without
	// store-level expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNxEx writes value only if key does not exist, with expiry.
	SetNxEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Del removes keys and reports how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Expire resets the ttl of key, reporting whether it exists.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IncrBy atomically adds delta to the integer under key.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Eval runs a script atomically and returns its integer reply.
	Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error)
}

// Status reports coarse availability of the key-value tier. The cache and
// auth paths consult it before deciding to fall back on the relational
// store.
type Status interface {
	Down() bool
}
