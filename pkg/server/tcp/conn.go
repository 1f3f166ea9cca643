// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"sync"
)

// Session carries the authentication and room state attached to a
// connection. Lines from one client may be handled on different workers,
// so access goes through the mutex.
type Session struct {
	mu       sync.Mutex
	loggedIn bool
	userID   int64
	username string
	roomID   int64
}

// Login marks the session authenticated as the given user.
func (s *Session) Login(userID int64, username string) {
	s.mu.Lock()
	s.loggedIn = true
	s.userID = userID
	s.username = username
	s.mu.Unlock()
}

// User returns the authenticated identity, or false when not logged in.
func (s *Session) User() (int64, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.username, s.loggedIn
}

// SetRoom records the room the connection joined. Zero means none.
func (s *Session) SetRoom(roomID int64) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

// Room returns the joined room, zero when none.
func (s *Session) Room() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Connection is one accepted client socket. The event loop owns reads and
// writes; workers append outbound data through the server's Send, which
// flips the write interest and wakes the loop.
type Connection struct {
	fd     int
	remote string

	mu         sync.Mutex
	in         []byte
	out        []byte
	wantWrite  bool
	closeAfter bool
	closed     bool

	Session Session
}

// Fd returns the connection's descriptor, used as its registry key.
func (c *Connection) Fd() int {
	return c.fd
}

// RemoteAddr returns the peer address in host:port form.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// enqueue appends payload to the outbound buffer and reports whether the
// caller must arm write interest. A connection already draining keeps its
// interest set.
func (c *Connection) enqueue(payload []byte, closeAfter bool) (arm bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	c.out = append(c.out, payload...)
	if closeAfter {
		c.closeAfter = true
	}
	if !c.wantWrite {
		c.wantWrite = true
		return true, true
	}
	return false, true
}
