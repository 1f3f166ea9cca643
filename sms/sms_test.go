// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package sms_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	svcerr "github.com/elaysia-feng/nebulachat/pkg/errors/service"
	kvmocks "github.com/elaysia-feng/nebulachat/pkg/kv/mocks"
	"github.com/elaysia-feng/nebulachat/sms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phone = "13800001111"

type capturingProvider struct {
	mu    sync.Mutex
	sent  []string
	codes []string
}

func (p *capturingProvider) Send(_ context.Context, phone, text string) error {
	p.mu.Lock()
	p.sent = append(p.sent, phone)
	p.codes = append(p.codes, text)
	p.mu.Unlock()
	return nil
}

func (p *capturingProvider) deliveries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func fixedCode(code string) func() (string, error) {
	return func() (string, error) { return code, nil }
}

func TestValidPhone(t *testing.T) {
	cases := []struct {
		desc  string
		phone string
		valid bool
	}{
		{desc: "valid number", phone: "13800001111", valid: true},
		{desc: "too short", phone: "1380000111", valid: false},
		{desc: "too long", phone: "138000011112", valid: false},
		{desc: "wrong leading digit", phone: "23800001111", valid: false},
		{desc: "non-digit", phone: "1380000111x", valid: false},
		{desc: "empty", phone: "", valid: false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.valid, sms.ValidPhone(tc.phone), tc.desc)
	}
}

func TestSendAndVerify(t *testing.T) {
	store := kvmocks.NewStore()
	provider := &capturingProvider{}
	svc := sms.New(store, provider, sms.Config{}, sms.WithGenerator(fixedCode("654321")))

	require.NoError(t, svc.SendCode(context.Background(), phone))
	assert.Equal(t, 1, provider.deliveries())

	require.NoError(t, svc.VerifyCode(context.Background(), phone, "654321"))

	err := svc.VerifyCode(context.Background(), phone, "654321")
	assert.True(t, errors.Contains(err, sms.ErrCodeExpired), "a verified code must be consumed")
}

func TestSendInvalidPhone(t *testing.T) {
	svc := sms.New(kvmocks.NewStore(), &capturingProvider{}, sms.Config{})

	err := svc.SendCode(context.Background(), "12345")
	assert.True(t, errors.Contains(err, svcerr.ErrInvalidPhone))
}

func TestResendCooldown(t *testing.T) {
	store := kvmocks.NewStore()
	provider := &capturingProvider{}

	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	svc := sms.New(store, provider, sms.Config{Cooldown: 30 * time.Second}, sms.WithGenerator(fixedCode("654321")), sms.WithClock(clock))

	require.NoError(t, svc.SendCode(context.Background(), phone))

	err := svc.SendCode(context.Background(), phone)
	assert.True(t, errors.Contains(err, svcerr.ErrRateLimited), "resend within the cooldown must be refused")
	assert.Equal(t, 1, provider.deliveries())

	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()
	assert.NoError(t, svc.SendCode(context.Background(), phone), "resend after the cooldown succeeds")
}

func TestVerifyMismatchKeepsCode(t *testing.T) {
	store := kvmocks.NewStore()
	svc := sms.New(store, &capturingProvider{}, sms.Config{}, sms.WithGenerator(fixedCode("654321")))

	require.NoError(t, svc.SendCode(context.Background(), phone))

	err := svc.VerifyCode(context.Background(), phone, "111111")
	assert.True(t, errors.Contains(err, sms.ErrCodeMismatch))

	assert.NoError(t, svc.VerifyCode(context.Background(), phone, "654321"), "a mismatch must not consume the code")
}

func TestCodeExpiry(t *testing.T) {
	store := kvmocks.NewStore()
	svc := sms.New(store, &capturingProvider{}, sms.Config{CodeTTL: time.Minute}, sms.WithGenerator(fixedCode("654321")))

	require.NoError(t, svc.SendCode(context.Background(), phone))
	store.Advance(61 * time.Second)

	err := svc.VerifyCode(context.Background(), phone, "654321")
	assert.True(t, errors.Contains(err, sms.ErrCodeExpired))
}
