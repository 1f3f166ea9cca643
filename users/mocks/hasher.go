// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package mocks

import (
	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/elaysia-feng/nebulachat/users"
)

var errCompare = errors.New("mock compare failed")

type hasherMock struct{}

var _ users.Hasher = (*hasherMock)(nil)

// NewHasher creates a reversible "digest" scheme for tests. Digests carry
// the "$2" prefix so the service treats them as modern ones.
func NewHasher() users.Hasher {
	return &hasherMock{}
}

func (h *hasherMock) Hash(pwd string) (string, error) {
	return "$2mock$" + pwd, nil
}

func (h *hasherMock) Compare(plain, digest string) error {
	if "$2mock$"+plain != digest {
		return errCompare
	}
	return nil
}
