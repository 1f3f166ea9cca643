// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package lock provides a distributed mutex over the key-value store,
// used to keep cache rebuilds single-writer across processes. Ownership
// is tracked by a random token so only the holder can release or renew.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
)

// Release and renew must check ownership and act in one round trip, or a
// lock that expired mid-flight could clobber the next holder.
const (
	unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	renewScript  = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
)

var (
	// ErrNotHeld indicates a release or renewal of a lock this owner no
	// longer holds.
	ErrNotHeld = errors.New("lock not held")

	errAcquire = errors.New("failed to acquire lock")
)

// Lock is a single-use distributed mutex. A new Lock is needed for every
// acquisition.
type Lock struct {
	store kv.Store
	key   string
	ttl   time.Duration
	owner string
	lost  chan struct{}
}

// New prepares a lock over key with the given ttl.
func New(store kv.Store, key string, ttl time.Duration) (*Lock, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(errAcquire, err)
	}
	return &Lock{
		store: store,
		key:   key,
		ttl:   ttl,
		owner: hex.EncodeToString(buf),
		lost:  make(chan struct{}),
	}, nil
}

// TryLock attempts the acquisition once, without blocking.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.store.SetNxEx(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, errors.Wrap(errAcquire, err)
	}
	return ok, nil
}

// Unlock releases the lock if this owner still holds it.
func (l *Lock) Unlock(ctx context.Context) error {
	n, err := l.store.Eval(ctx, unlockScript, []string{l.key}, l.owner)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Lost is closed by the watchdog when a renewal finds the lock gone. Work
// guarded by the lock should stop when it fires.
func (l *Lock) Lost() <-chan struct{} {
	return l.lost
}

// Watchdog renews the lock every ttl/2 until ctx is cancelled or the lock
// is lost. Run it on its own goroutine.
func (l *Lock) Watchdog(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.store.Eval(ctx, renewScript, []string{l.key}, l.owner, l.ttl.Milliseconds())
			if err != nil || n == 0 {
				close(l.lost)
				return
			}
		}
	}
}
