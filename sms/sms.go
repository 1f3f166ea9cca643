// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package sms implements phone verification: one-shot six-digit codes
// with a per-phone resend cooldown, delivered through a pluggable
// provider.
package sms

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	svcerr "github.com/elaysia-feng/nebulachat/pkg/errors/service"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
)

const codeKeyPrefix = "sms:"

var (
	// ErrCodeMismatch indicates the submitted code does not match the
	// stored one.
	ErrCodeMismatch = errors.New("code mismatch")

	// ErrCodeExpired indicates no code is stored for the phone, either
	// because none was sent or because it timed out.
	ErrCodeExpired = errors.New("code not found or expired")

	errDeliver = errors.New("failed to deliver verification code")
)

// Provider delivers a verification text to a phone number.
type Provider interface {
	Send(ctx context.Context, phone, text string) error
}

// Config tunes code lifetime and resend pacing. Zero values fall back to
// the defaults below.
type Config struct {
	CodeTTL  time.Duration
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.CodeTTL <= 0 {
		c.CodeTTL = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Service specifies the phone verification API.
type Service interface {
	// SendCode generates a code for the phone and delivers it. Repeated
	// requests within the cooldown are refused.
	SendCode(ctx context.Context, phone string) error

	// VerifyCode checks the submitted code. A matching code is consumed
	// and cannot be used twice.
	VerifyCode(ctx context.Context, phone, code string) error
}

type service struct {
	store    kv.Store
	provider Provider
	cfg      Config
	generate func() (string, error)
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

var _ Service = (*service)(nil)

// Option configures the service.
type Option func(*service)

// WithGenerator overrides the code generator.
func WithGenerator(generate func() (string, error)) Option {
	return func(s *service) { s.generate = generate }
}

// WithClock overrides the cooldown clock.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// New instantiates the sms service implementation.
func New(store kv.Store, provider Provider, cfg Config, opts ...Option) Service {
	s := &service{
		store:    store,
		provider: provider,
		cfg:      cfg.withDefaults(),
		generate: randomCode,
		now:      time.Now,
		lastSent: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidPhone reports whether the number is an 11-digit mobile number
// starting with 1.
func ValidPhone(phone string) bool {
	if len(phone) != 11 || phone[0] != '1' {
		return false
	}
	for _, c := range phone {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (svc *service) SendCode(ctx context.Context, phone string) error {
	if !ValidPhone(phone) {
		return svcerr.ErrInvalidPhone
	}
	if !svc.admitSend(phone) {
		return svcerr.ErrRateLimited
	}

	code, err := svc.generate()
	if err != nil {
		return errors.Wrap(errDeliver, err)
	}
	if err := svc.store.Set(ctx, codeKeyPrefix+phone, code, svc.cfg.CodeTTL); err != nil {
		return errors.Wrap(errDeliver, err)
	}
	if err := svc.provider.Send(ctx, phone, code); err != nil {
		return errors.Wrap(errDeliver, err)
	}
	return nil
}

// admitSend enforces the per-phone resend cooldown.
func (svc *service) admitSend(phone string) bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	now := svc.now()
	if last, ok := svc.lastSent[phone]; ok && now.Sub(last) < svc.cfg.Cooldown {
		return false
	}
	svc.lastSent[phone] = now
	return true
}

func (svc *service) VerifyCode(ctx context.Context, phone, code string) error {
	if !ValidPhone(phone) {
		return svcerr.ErrInvalidPhone
	}

	stored, err := svc.store.Get(ctx, codeKeyPrefix+phone)
	if err != nil {
		if errors.Contains(err, kv.ErrNotFound) {
			return ErrCodeExpired
		}
		return errors.Wrap(svcerr.ErrStoreUnavailable, err)
	}
	if stored != code {
		return ErrCodeMismatch
	}

	// Consume the code so it cannot be replayed.
	if _, err := svc.store.Del(ctx, codeKeyPrefix+phone); err != nil {
		return errors.Wrap(svcerr.ErrStoreUnavailable, err)
	}
	return nil
}

// randomCode draws a uniform six-digit code.
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return big.NewInt(0).Add(n, big.NewInt(100000)).String(), nil
}
