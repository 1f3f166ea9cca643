// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
)

// User is a chat account. Secret holds the bcrypt digest except for rows
// migrated from the legacy scheme, which the service upgrades on first
// successful login.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate returns an error if the account representation is invalid.
func (u User) Validate() error {
	if u.Name == "" || u.Secret == "" {
		return errors.ErrMalformedEntity
	}
	return nil
}

// Repository specifies the account persistence API.
type Repository interface {
	// Save persists the account and returns it with storage-side fields
	// populated.
	Save(ctx context.Context, user User) (User, error)

	// RetrieveByID retrieves an account by its identifier.
	RetrieveByID(ctx context.Context, id int64) (User, error)

	// RetrieveByName retrieves an account by its unique username.
	RetrieveByName(ctx context.Context, name string) (User, error)

	// RetrieveByPhone retrieves an account by its bound phone number.
	RetrieveByPhone(ctx context.Context, phone string) (User, error)

	// UpdateName changes the account's username.
	UpdateName(ctx context.Context, id int64, name string) error

	// UpdateSecret replaces the account's secret digest.
	UpdateSecret(ctx context.Context, id int64, secret string) error
}

// Directory resolves accounts for the hot read paths through the caching
// tiers. Lookups of absent accounts return errors.ErrNotFound and are
// remembered as negative entries.
type Directory interface {
	// LookupByName resolves an account by username.
	LookupByName(ctx context.Context, name string) (User, error)

	// LookupByPhone resolves an account by phone number.
	LookupByPhone(ctx context.Context, phone string) (User, error)

	// InvalidateName drops the cached entries for a username. The error
	// matters to rename and reset flows, which must not report success
	// while a tier can still serve the old entry.
	InvalidateName(ctx context.Context, name string) error

	// InvalidatePhone drops the cached entries for a phone number.
	InvalidatePhone(ctx context.Context, phone string) error
}

// Hasher specifies an API for generating and verifying secret digests.
type Hasher interface {
	// Hash generates the digest of a plain-text secret.
	Hash(string) (string, error)

	// Compare compares a plain-text secret to a digest. An error indicates
	// failed comparison.
	Compare(plain, digest string) error
}
