// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"
	"time"
)

// WindowLimiter is a 1-second fixed-window counter. It admits at most
// limit calls per wall-clock second and is consulted only when the
// key-value tier is declared down, shielding the relational store.
type WindowLimiter struct {
	mu    sync.Mutex
	limit int
	sec   int64
	count int
	now   func() time.Time
}

// NewWindowLimiter creates a limiter admitting limit calls per second.
func NewWindowLimiter(limit int) *WindowLimiter {
	return &WindowLimiter{
		limit: limit,
		now:   time.Now,
	}
}

// Allow reports whether the call fits into the current window.
func (l *WindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	sec := l.now().Unix()
	if sec != l.sec {
		l.sec = sec
		l.count = 0
	}
	if l.count < l.limit {
		l.count++
		return true
	}
	return false
}
