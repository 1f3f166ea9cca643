// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package users_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/elaysia-feng/nebulachat/pkg/cache"
	"github.com/elaysia-feng/nebulachat/pkg/errors"
	svcerr "github.com/elaysia-feng/nebulachat/pkg/errors/service"
	kvmocks "github.com/elaysia-feng/nebulachat/pkg/kv/mocks"
	"github.com/elaysia-feng/nebulachat/pkg/sid"
	"github.com/elaysia-feng/nebulachat/users"
	"github.com/elaysia-feng/nebulachat/users/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc   users.Service
	repo  *mocks.RepositoryMock
	store *kvmocks.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	repo := mocks.NewRepository()
	store := kvmocks.NewStore()
	engine := cache.NewEngine(store, discard())
	dir, err := users.NewDirectory(repo, engine, store, users.DirectoryConfig{}, discard())
	require.NoError(t, err)
	issuer, err := sid.New(store, 1)
	require.NoError(t, err)

	return fixture{
		svc:   users.New(repo, dir, mocks.NewHasher(), issuer),
		repo:  repo,
		store: store,
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	saved, err := f.svc.Register(context.Background(), users.User{Name: "alice", Secret: "pass123"})
	require.NoError(t, err)
	assert.Positive(t, saved.ID)
	assert.Equal(t, "alice", saved.Name)
	assert.Empty(t, saved.Secret, "secret must not leave the service")

	stored, err := f.repo.RetrieveByID(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "$2mock$pass123", stored.Secret, "secret must be stored as a digest")
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		desc string
		user users.User
	}{
		{desc: "missing name", user: users.User{Secret: "pass123"}},
		{desc: "missing secret", user: users.User{Name: "alice"}},
	}
	for _, tc := range cases {
		_, err := f.svc.Register(context.Background(), tc.user)
		assert.True(t, errors.Contains(err, errors.ErrMalformedEntity), tc.desc)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(context.Background(), users.User{Name: "alice", Secret: "pass123"})
	require.NoError(t, err)

	_, err = f.svc.Register(context.Background(), users.User{Name: "alice", Secret: "other"})
	assert.True(t, errors.Contains(err, svcerr.ErrConflict))
}

func TestRegisterClearsNegativeEntry(t *testing.T) {
	f := newFixture(t)

	// Prime the caches with a negative entry for the future name.
	_, err := f.svc.Authenticate(context.Background(), "bob", "pass123")
	assert.True(t, errors.Contains(err, svcerr.ErrLogin))

	_, err = f.svc.Register(context.Background(), users.User{Name: "bob", Secret: "pass123"})
	require.NoError(t, err)

	u, err := f.svc.Authenticate(context.Background(), "bob", "pass123")
	require.NoError(t, err, "registration must drop the cached absence")
	assert.Equal(t, "bob", u.Name)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), users.User{Name: "alice", Secret: "pass123"})
	require.NoError(t, err)

	cases := []struct {
		desc   string
		name   string
		secret string
		err    error
	}{
		{desc: "valid credentials", name: "alice", secret: "pass123"},
		{desc: "wrong secret", name: "alice", secret: "nope", err: svcerr.ErrLogin},
		{desc: "unknown user", name: "carol", secret: "pass123", err: svcerr.ErrLogin},
	}
	for _, tc := range cases {
		u, err := f.svc.Authenticate(context.Background(), tc.name, tc.secret)
		if tc.err != nil {
			assert.True(t, errors.Contains(err, tc.err), tc.desc)
			continue
		}
		require.NoError(t, err, tc.desc)
		assert.Equal(t, tc.name, u.Name, tc.desc)
		assert.Empty(t, u.Secret, tc.desc)
	}
}

func TestAuthenticateUpgradesLegacySecret(t *testing.T) {
	f := newFixture(t)

	// A row from before the digest migration stores the secret verbatim.
	_, err := f.repo.Save(context.Background(), users.User{ID: 42, Name: "legacy", Secret: "oldpass"})
	require.NoError(t, err)

	u, err := f.svc.Authenticate(context.Background(), "legacy", "oldpass")
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)

	stored, err := f.repo.RetrieveByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "$2mock$oldpass", stored.Secret, "first login must upgrade the stored secret")

	_, err = f.svc.Authenticate(context.Background(), "legacy", "oldpass")
	assert.NoError(t, err, "login keeps working after the upgrade")
}

func TestLoginByPhone(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.LoginByPhone(context.Background(), "13800001111")
	require.NoError(t, err)
	assert.Positive(t, first.ID)
	assert.Equal(t, "13800001111", first.Phone)

	again, err := f.svc.LoginByPhone(context.Background(), "13800001111")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "second login must resolve the same account")
}

func TestUpdateUsername(t *testing.T) {
	f := newFixture(t)
	saved, err := f.svc.Register(context.Background(), users.User{Name: "alice", Secret: "pass123"})
	require.NoError(t, err)
	_, err = f.svc.Register(context.Background(), users.User{Name: "carol", Secret: "pass123"})
	require.NoError(t, err)

	err = f.svc.UpdateUsername(context.Background(), saved.ID, "alice", "carol")
	assert.True(t, errors.Contains(err, svcerr.ErrConflict), "taken name must be rejected")

	require.NoError(t, f.svc.UpdateUsername(context.Background(), saved.ID, "alice", "alice2"))

	_, err = f.svc.Authenticate(context.Background(), "alice2", "pass123")
	assert.NoError(t, err, "new name must authenticate")
	_, err = f.svc.Authenticate(context.Background(), "alice", "pass123")
	assert.True(t, errors.Contains(err, svcerr.ErrLogin), "old name must stop authenticating")
}

func TestUpdateUsernameRewarmsPhoneEntry(t *testing.T) {
	f := newFixture(t)
	saved, err := f.svc.Register(context.Background(), users.User{Name: "alice", Phone: "13800001111", Secret: "pass123"})
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateUsername(context.Background(), saved.ID, "alice", "alice2"))

	before := f.repo.Retrievals()
	u, err := f.svc.LoginByPhone(context.Background(), "13800001111")
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.Name, "phone lookup must resolve the new name")
	assert.Equal(t, before, f.repo.Retrievals(), "phone entry must be warm after the rename")
}

func TestResetPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), users.User{Name: "alice", Phone: "13800001111", Secret: "pass123"})
	require.NoError(t, err)

	require.NoError(t, f.svc.ResetPassword(context.Background(), "13800001111", "newpass"))

	_, err = f.svc.Authenticate(context.Background(), "alice", "pass123")
	assert.True(t, errors.Contains(err, svcerr.ErrLogin), "old secret must stop working")
	_, err = f.svc.Authenticate(context.Background(), "alice", "newpass")
	assert.NoError(t, err)

	err = f.svc.ResetPassword(context.Background(), "10000000000", "whatever")
	assert.True(t, errors.Contains(err, svcerr.ErrNotFound))
}
