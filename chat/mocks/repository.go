// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package mocks holds an in-memory fake of the messages persistence layer.
package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/elaysia-feng/nebulachat/chat"
	repoerr "github.com/elaysia-feng/nebulachat/pkg/errors/repository"
)

type RepositoryMock struct {
	mu       sync.Mutex
	messages []chat.Message

	retrievals int
	failing    bool
}

var _ chat.Repository = (*RepositoryMock)(nil)

// NewRepository creates an in-memory messages repository.
func NewRepository() *RepositoryMock {
	return &RepositoryMock{}
}

// SetFailing makes every operation fail.
func (m *RepositoryMock) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// Retrievals reports how many history queries reached the fake store.
func (m *RepositoryMock) Retrievals() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retrievals
}

// Stored reports how many messages were persisted.
func (m *RepositoryMock) Stored() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *RepositoryMock) Save(_ context.Context, msg chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return repoerr.ErrCreateEntity
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *RepositoryMock) RetrieveRecent(_ context.Context, roomID int64, limit int) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, repoerr.ErrViewEntity
	}
	m.retrievals++

	msgs := []chat.Message{}
	for _, msg := range m.messages {
		if msg.RoomID == roomID {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}
