// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package errors

var (
	// ErrAuthentication indicates failure occurred while authenticating the user.
	ErrAuthentication = New("failed to perform authentication over the user")

	// ErrLogin indicates wrong login credentials.
	ErrLogin = New("wrong username or password")

	// ErrMalformedEntity indicates a malformed request or entity.
	ErrMalformedEntity = New("malformed entity specification")

	// ErrNotFound indicates a non-existent entity request.
	ErrNotFound = New("entity not found")

	// ErrConflict indicates that entity already exists.
	ErrConflict = New("entity already exists")

	// ErrCreateEntity indicates error in creating entity or entities.
	ErrCreateEntity = New("failed to create entity in the db")

	// ErrViewEntity indicates error in viewing entity or entities.
	ErrViewEntity = New("view entity failed")

	// ErrUpdateEntity indicates error in updating entity or entities.
	ErrUpdateEntity = New("update entity failed")

	// ErrRemoveEntity indicates error in removing entity.
	ErrRemoveEntity = New("failed to remove entity")

	// ErrStoreUnavailable indicates that a backing store could not be reached.
	ErrStoreUnavailable = New("backing store not available")

	// ErrRateLimited indicates the request was refused by an admission limiter.
	ErrRateLimited = New("too many requests")
)
