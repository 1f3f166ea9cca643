// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/kv/mocks"
	"github.com/elaysia-feng/nebulachat/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockExcludes(t *testing.T) {
	store := mocks.NewStore()

	first, err := lock.New(store, "lock:history:1", time.Minute)
	require.NoError(t, err)
	ok, err := first.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	second, err := lock.New(store, "lock:history:1", time.Minute)
	require.NoError(t, err)
	ok, err = second.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "held lock must refuse a second owner")

	require.NoError(t, first.Unlock(context.Background()))
	ok, err = second.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "released lock must be acquirable")
}

func TestUnlockRequiresOwnership(t *testing.T) {
	store := mocks.NewStore()

	holder, err := lock.New(store, "lock:history:2", time.Minute)
	require.NoError(t, err)
	ok, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	intruder, err := lock.New(store, "lock:history:2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, lock.ErrNotHeld, intruder.Unlock(context.Background()))

	assert.NoError(t, holder.Unlock(context.Background()), "the real owner still holds it")
}

func TestLockExpires(t *testing.T) {
	store := mocks.NewStore()

	first, err := lock.New(store, "lock:history:3", time.Second)
	require.NoError(t, err)
	ok, err := first.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	store.Advance(2 * time.Second)

	second, err := lock.New(store, "lock:history:3", time.Second)
	require.NoError(t, err)
	ok, err = second.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be acquirable")

	assert.Equal(t, lock.ErrNotHeld, first.Unlock(context.Background()), "expiry revokes ownership")
}

func TestWatchdogRenews(t *testing.T) {
	store := mocks.NewStore()

	l, err := lock.New(store, "lock:history:4", 100*time.Millisecond)
	require.NoError(t, err)
	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Watchdog(ctx)

	// Without renewal the lock would have expired several times over.
	time.Sleep(350 * time.Millisecond)

	select {
	case <-l.Lost():
		t.Fatal("watchdog lost a lock it should have renewed")
	default:
	}
	assert.NoError(t, l.Unlock(context.Background()))
}

func TestWatchdogSignalsLoss(t *testing.T) {
	store := mocks.NewStore()

	l, err := lock.New(store, "lock:history:5", 100*time.Millisecond)
	require.NoError(t, err)
	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Steal the key out from under the watchdog.
	_, err = store.Del(context.Background(), "lock:history:5")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Watchdog(ctx)

	select {
	case <-l.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not report the lost lock")
	}
}
