// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package service holds the error variants surfaced by domain services.
package service

import "github.com/elaysia-feng/nebulachat/pkg/errors"

var (
	// ErrAuthentication indicates failure occurred while authenticating the user.
	ErrAuthentication = errors.New("failed to perform authentication over the user")

	// ErrLogin indicates wrong login credentials.
	ErrLogin = errors.New("wrong username or password")

	// ErrNotFound indicates a non-existent entity request.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict indicates that entity already exists.
	ErrConflict = errors.New("entity already exists")

	// ErrRoomFull indicates the target room is at capacity.
	ErrRoomFull = errors.New("room is full")

	// ErrStoreUnavailable indicates that a backing store could not be reached.
	ErrStoreUnavailable = errors.New("backing store not available")

	// ErrRateLimited indicates the request was refused by an admission limiter.
	ErrRateLimited = errors.New("too many requests")

	// ErrInvalidPhone indicates a malformed phone number.
	ErrInvalidPhone = errors.New("invalid phone number")
)
