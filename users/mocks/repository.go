// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package mocks holds in-memory fakes of the users persistence layer.
package mocks

import (
	"context"
	"sync"

	repoerr "github.com/elaysia-feng/nebulachat/pkg/errors/repository"
	"github.com/elaysia-feng/nebulachat/users"
)

type RepositoryMock struct {
	mu    sync.Mutex
	users map[int64]users.User

	// Retrievals counts trips to the fake store, letting cache tests
	// assert which tier served a lookup.
	retrievals int

	failing bool
}

var _ users.Repository = (*RepositoryMock)(nil)

// NewRepository creates an in-memory users repository.
func NewRepository() *RepositoryMock {
	return &RepositoryMock{users: map[int64]users.User{}}
}

// SetFailing makes every operation fail with a view error.
func (m *RepositoryMock) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// Retrievals reports how many lookups reached the fake store.
func (m *RepositoryMock) Retrievals() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retrievals
}

func (m *RepositoryMock) Save(_ context.Context, u users.User) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return users.User{}, repoerr.ErrCreateEntity
	}
	for _, existing := range m.users {
		if existing.Name == u.Name || (u.Phone != "" && existing.Phone == u.Phone) {
			return users.User{}, repoerr.ErrConflict
		}
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *RepositoryMock) RetrieveByID(_ context.Context, id int64) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return users.User{}, repoerr.ErrViewEntity
	}
	m.retrievals++
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return users.User{}, repoerr.ErrNotFound
}

func (m *RepositoryMock) RetrieveByName(_ context.Context, name string) (users.User, error) {
	return m.retrieveBy(func(u users.User) bool { return u.Name == name })
}

func (m *RepositoryMock) RetrieveByPhone(_ context.Context, phone string) (users.User, error) {
	return m.retrieveBy(func(u users.User) bool { return u.Phone != "" && u.Phone == phone })
}

func (m *RepositoryMock) retrieveBy(match func(users.User) bool) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return users.User{}, repoerr.ErrViewEntity
	}
	m.retrievals++
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return users.User{}, repoerr.ErrNotFound
}

func (m *RepositoryMock) UpdateName(_ context.Context, id int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return repoerr.ErrUpdateEntity
	}
	u, ok := m.users[id]
	if !ok {
		return repoerr.ErrNotFound
	}
	u.Name = name
	m.users[id] = u
	return nil
}

func (m *RepositoryMock) UpdateSecret(_ context.Context, id int64, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return repoerr.ErrUpdateEntity
	}
	u, ok := m.users[id]
	if !ok {
		return repoerr.ErrNotFound
	}
	u.Secret = secret
	m.users[id] = u
	return nil
}
