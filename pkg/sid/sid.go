// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package sid provides the composite identifier issuer. Identifiers are
// 63-bit positive integers built from a 31-bit timestamp, a 10-bit worker
// number and a 22-bit per-day sequence drawn from the key-value store, so
// they stay unique across workers and sort roughly by creation time.
package sid

import (
	"context"
	"fmt"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
)

const (
	workerBits = 10
	seqBits    = 22

	maxWorker = 1<<workerBits - 1
	seqMask   = 1<<seqBits - 1
	timeMask  = 1<<31 - 1

	// Counter keys outlive their day so a restart near midnight cannot
	// reuse a sequence.
	counterTTL = 48 * time.Hour
)

var (
	// ErrGeneratingID indicates the sequence counter could not be advanced.
	ErrGeneratingID = errors.New("generating id failed")

	errWorkerRange = errors.New("worker number out of range")
)

// Issuer hands out identifiers scoped by business domain, e.g. "user" or
// "message".
type Issuer interface {
	// Next returns a fresh identifier for the given business domain.
	Next(ctx context.Context, biz string) (int64, error)
}

type issuer struct {
	store  kv.Store
	worker int64
	epoch  time.Time
	now    func() time.Time
}

var _ Issuer = (*issuer)(nil)

// New creates an issuer for the given worker number, which must fit in
// ten bits.
func New(store kv.Store, worker int) (Issuer, error) {
	if worker < 0 || worker > maxWorker {
		return nil, errors.Wrap(errWorkerRange, fmt.Errorf("worker %d", worker))
	}
	return &issuer{
		store:  store,
		worker: int64(worker),
		epoch:  time.Date(2023, time.January, 1, 0, 0, 0, 0, time.Local),
		now:    time.Now,
	}, nil
}

func (i *issuer) Next(ctx context.Context, biz string) (int64, error) {
	now := i.now()
	key := fmt.Sprintf("id:%s:%s", biz, now.Format("20060102"))

	seq, err := i.store.IncrBy(ctx, key, 1)
	if err != nil {
		return 0, errors.Wrap(ErrGeneratingID, err)
	}
	if seq == 1 {
		if _, err := i.store.Expire(ctx, key, counterTTL); err != nil {
			return 0, errors.Wrap(ErrGeneratingID, err)
		}
	}

	elapsed := int64(now.Sub(i.epoch).Seconds()) & timeMask
	return elapsed<<(workerBits+seqBits) | i.worker<<seqBits | seq&seqMask, nil
}
