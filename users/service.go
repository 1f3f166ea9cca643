// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	repoerr "github.com/elaysia-feng/nebulachat/pkg/errors/repository"
	svcerr "github.com/elaysia-feng/nebulachat/pkg/errors/service"
	"github.com/elaysia-feng/nebulachat/pkg/sid"
)

// Service specifies the account API that must be fulfilled by the domain
// service implementation and all of its decorators.
type Service interface {
	// Register creates a new account. The secret arrives in plain text and
	// is stored as a digest.
	Register(ctx context.Context, user User) (User, error)

	// Authenticate verifies the username and secret and returns the
	// account. Failures surface as ErrLogin regardless of whether the
	// account exists.
	Authenticate(ctx context.Context, name, secret string) (User, error)

	// LoginByPhone resolves an account by a verified phone number,
	// creating one on first login.
	LoginByPhone(ctx context.Context, phone string) (User, error)

	// ViewUser retrieves an account by identifier.
	ViewUser(ctx context.Context, id int64) (User, error)

	// UpdateUsername renames the account. Cached lookups under the old
	// name are dropped before the rename takes effect.
	UpdateUsername(ctx context.Context, id int64, oldName, newName string) error

	// ResetPassword replaces the secret of the account bound to phone.
	// The caller is responsible for verifying the phone beforehand.
	ResetPassword(ctx context.Context, phone, secret string) error
}

type service struct {
	repo   Repository
	dir    Directory
	hasher Hasher
	idp    sid.Issuer
}

var _ Service = (*service)(nil)

// New instantiates the users service implementation.
func New(repo Repository, dir Directory, hasher Hasher, idp sid.Issuer) Service {
	return &service{
		repo:   repo,
		dir:    dir,
		hasher: hasher,
		idp:    idp,
	}
}

func (svc *service) Register(ctx context.Context, user User) (User, error) {
	if err := user.Validate(); err != nil {
		return User{}, err
	}

	if _, err := svc.dir.LookupByName(ctx, user.Name); err == nil {
		return User{}, errors.Wrap(svcerr.ErrConflict, repoerr.ErrConflict)
	} else if !errors.Contains(err, errors.ErrNotFound) {
		return User{}, err
	}

	id, err := svc.idp.Next(ctx, "user")
	if err != nil {
		return User{}, errors.Wrap(errors.ErrCreateEntity, err)
	}
	digest, err := svc.hasher.Hash(user.Secret)
	if err != nil {
		return User{}, errors.Wrap(errors.ErrMalformedEntity, err)
	}

	user.ID = id
	user.Secret = digest
	saved, err := svc.repo.Save(ctx, user)
	if err != nil {
		return User{}, err
	}

	// A negative entry may be cached from the existence check above.
	svc.dir.InvalidateName(ctx, saved.Name)
	if saved.Phone != "" {
		svc.dir.InvalidatePhone(ctx, saved.Phone)
	}
	saved.Secret = ""
	return saved, nil
}

func (svc *service) Authenticate(ctx context.Context, name, secret string) (User, error) {
	user, err := svc.dir.LookupByName(ctx, name)
	if err != nil {
		if errors.Contains(err, errors.ErrNotFound) {
			return User{}, svcerr.ErrLogin
		}
		return User{}, err
	}

	if isLegacySecret(user.Secret) {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(user.Secret)) != 1 {
			return User{}, svcerr.ErrLogin
		}
		// First successful login after the digest migration; upgrade the
		// stored secret in place.
		if digest, herr := svc.hasher.Hash(secret); herr == nil {
			if uerr := svc.repo.UpdateSecret(ctx, user.ID, digest); uerr == nil {
				svc.dir.InvalidateName(ctx, user.Name)
			}
		}
	} else if err := svc.hasher.Compare(secret, user.Secret); err != nil {
		return User{}, svcerr.ErrLogin
	}

	user.Secret = ""
	return user, nil
}

func (svc *service) LoginByPhone(ctx context.Context, phone string) (User, error) {
	user, err := svc.dir.LookupByPhone(ctx, phone)
	if err == nil {
		user.Secret = ""
		return user, nil
	}
	if !errors.Contains(err, errors.ErrNotFound) {
		return User{}, err
	}

	// First login with this phone creates the account.
	id, err := svc.idp.Next(ctx, "user")
	if err != nil {
		return User{}, errors.Wrap(errors.ErrCreateEntity, err)
	}
	secret, err := randomSecret()
	if err != nil {
		return User{}, errors.Wrap(errors.ErrCreateEntity, err)
	}
	digest, err := svc.hasher.Hash(secret)
	if err != nil {
		return User{}, errors.Wrap(errors.ErrCreateEntity, err)
	}

	saved, err := svc.repo.Save(ctx, User{
		ID:     id,
		Name:   phone,
		Phone:  phone,
		Secret: digest,
	})
	if err != nil {
		return User{}, err
	}

	svc.dir.InvalidateName(ctx, saved.Name)
	svc.dir.InvalidatePhone(ctx, phone)
	saved.Secret = ""
	return saved, nil
}

func (svc *service) ViewUser(ctx context.Context, id int64) (User, error) {
	user, err := svc.repo.RetrieveByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	user.Secret = ""
	return user, nil
}

func (svc *service) UpdateUsername(ctx context.Context, id int64, oldName, newName string) error {
	if newName == "" {
		return errors.ErrMalformedEntity
	}
	if _, err := svc.dir.LookupByName(ctx, newName); err == nil {
		return errors.Wrap(svcerr.ErrConflict, repoerr.ErrConflict)
	} else if !errors.Contains(err, errors.ErrNotFound) {
		return err
	}

	user, err := svc.repo.RetrieveByID(ctx, id)
	if err != nil {
		return err
	}

	// Drop cached entries before the write so no tier can keep serving
	// the old name past a successful rename. A failed invalidation fails
	// the rename.
	if err := svc.invalidate(ctx, user.Phone, oldName, newName); err != nil {
		return errors.Wrap(errors.ErrUpdateEntity, err)
	}

	if err := svc.repo.UpdateName(ctx, id, newName); err != nil {
		return err
	}

	if err := svc.invalidate(ctx, user.Phone, oldName, newName); err != nil {
		return errors.Wrap(errors.ErrUpdateEntity, err)
	}

	// Re-warm the phone entry so the next phone lookup resolves the new
	// name without a trip to the repository. Best effort.
	if user.Phone != "" {
		svc.dir.LookupByPhone(ctx, user.Phone)
	}
	return nil
}

func (svc *service) ResetPassword(ctx context.Context, phone, secret string) error {
	user, err := svc.dir.LookupByPhone(ctx, phone)
	if err != nil {
		if errors.Contains(err, errors.ErrNotFound) {
			return svcerr.ErrNotFound
		}
		return err
	}

	digest, err := svc.hasher.Hash(secret)
	if err != nil {
		return errors.Wrap(errors.ErrMalformedEntity, err)
	}

	if err := svc.invalidate(ctx, phone, user.Name); err != nil {
		return errors.Wrap(errors.ErrUpdateEntity, err)
	}

	if err := svc.repo.UpdateSecret(ctx, user.ID, digest); err != nil {
		return err
	}

	if err := svc.invalidate(ctx, phone, user.Name); err != nil {
		return errors.Wrap(errors.ErrUpdateEntity, err)
	}
	return nil
}

// invalidate drops every cached entry for the account across both tiers.
func (svc *service) invalidate(ctx context.Context, phone string, names ...string) error {
	for _, name := range names {
		if err := svc.dir.InvalidateName(ctx, name); err != nil {
			return err
		}
	}
	if phone != "" {
		if err := svc.dir.InvalidatePhone(ctx, phone); err != nil {
			return err
		}
	}
	return nil
}

// isLegacySecret reports whether the stored secret predates the digest
// migration and is still plain text.
func isLegacySecret(secret string) bool {
	return !strings.HasPrefix(secret, "$2")
}

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
