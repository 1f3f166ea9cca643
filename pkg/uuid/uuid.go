// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package uuid provides a UUID identity provider, used for instance
// identifiers on observability surfaces.
package uuid

import (
	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/gofrs/uuid/v5"
)

// ErrGeneratingID indicates error in generating UUID.
var ErrGeneratingID = errors.New("failed to generate uuid")

// Provider yields random identifiers.
type Provider interface {
	ID() (string, error)
}

type uuidProvider struct{}

var _ Provider = (*uuidProvider)(nil)

// New instantiates a UUID provider.
func New() Provider {
	return &uuidProvider{}
}

func (up *uuidProvider) ID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", errors.Wrap(ErrGeneratingID, err)
	}
	return id.String(), nil
}
