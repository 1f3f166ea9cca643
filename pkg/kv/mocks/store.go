// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package mocks provides an in-memory kv.Store used throughout the tests.
package mocks

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
)

// ErrUnavailable is returned by every operation while the fake is failing.
var ErrUnavailable = errors.New("kv store unavailable")

var _ kv.Store = (*Store)(nil)
var _ kv.Status = (*Store)(nil)

type entry struct {
	value    string
	expireAt time.Time // zero means no store-level ttl
}

// Store is an in-memory kv.Store with a controllable clock and a failure
// switch. Expiry is evaluated lazily against the injected clock.
type Store struct {
	mu      sync.Mutex
	data    map[string]entry
	now     func() time.Time
	skew    time.Duration
	failing bool
}

// NewStore creates an empty fake store using the wall clock.
func NewStore() *Store {
	return &Store{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

// Advance shifts the fake's view of time forward, expiring entries.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skew += d
}

// SetFailing toggles the failure switch; while set, every operation
// returns ErrUnavailable and Down reports true.
func (s *Store) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// Down implements kv.Status.
func (s *Store) Down() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failing
}

// TTL reports the remaining store-level ttl of key, zero when the key has
// none, negative when the key is missing.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return -1
	}
	if e.expireAt.IsZero() {
		return 0
	}
	return e.expireAt.Sub(s.clock())
}

func (s *Store) clock() time.Time {
	return s.now().Add(s.skew)
}

// get returns a live entry, removing it when expired. Callers hold mu.
func (s *Store) get(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expireAt.IsZero() && !s.clock().Before(e.expireAt) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = s.clock().Add(ttl)
	}
	s.data[key] = e
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrUnavailable
	}
	s.put(key, value, ttl)
	return nil
}

func (s *Store) SetNxEx(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return false, ErrUnavailable
	}
	if _, ok := s.get(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return "", ErrUnavailable
	}
	e, ok := s.get(key)
	if !ok {
		return "", kv.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, ErrUnavailable
	}
	var n int64
	for _, key := range keys {
		if _, ok := s.get(key); ok {
			delete(s.data, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return false, ErrUnavailable
	}
	e, ok := s.get(key)
	if !ok {
		return false, nil
	}
	s.put(key, e.value, ttl)
	return true, nil
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, ErrUnavailable
	}
	var cur int64
	if e, ok := s.get(key); ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, errors.New("value is not an integer")
		}
		cur = parsed
	}
	cur += delta
	ttl := s.TTLKeep(key)
	s.put(key, strconv.FormatInt(cur, 10), ttl)
	return cur, nil
}

// TTLKeep returns the remaining ttl to preserve across an overwrite.
// Callers hold mu.
func (s *Store) TTLKeep(key string) time.Duration {
	e, ok := s.data[key]
	if !ok || e.expireAt.IsZero() {
		return 0
	}
	return e.expireAt.Sub(s.clock())
}

// Eval supports the two scripts the system uses, both guarded by an
// owner comparison on keys[0] against args[0]: delete, and refresh with a
// millisecond ttl in args[1].
func (s *Store) Eval(_ context.Context, script string, keys []string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, ErrUnavailable
	}
	if len(keys) == 0 || len(args) == 0 {
		return 0, nil
	}
	e, ok := s.get(keys[0])
	if !ok {
		return 0, nil
	}
	owner, _ := args[0].(string)
	if e.value != owner {
		return 0, nil
	}
	if strings.Contains(script, "pexpire") {
		if len(args) < 2 {
			return 0, nil
		}
		ms, _ := args[1].(int64)
		s.put(keys[0], e.value, time.Duration(ms)*time.Millisecond)
		return 1, nil
	}
	delete(s.data, keys[0])
	return 1, nil
}
