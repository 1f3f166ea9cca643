// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"time"

	"github.com/elaysia-feng/nebulachat/users"
	"github.com/go-kit/kit/metrics"
)

var _ users.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	service users.Service
}

// MetricsMiddleware instruments the users service by means of metrics.
func MetricsMiddleware(service users.Service, counter metrics.Counter, latency metrics.Histogram) users.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		service: service,
	}
}

func (mm *metricsMiddleware) Register(ctx context.Context, user users.User) (users.User, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "register").Add(1)
		mm.latency.With("method", "register").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.service.Register(ctx, user)
}

func (mm *metricsMiddleware) Authenticate(ctx context.Context, name, secret string) (users.User, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "authenticate").Add(1)
		mm.latency.With("method", "authenticate").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.service.Authenticate(ctx, name, secret)
}

func (mm *metricsMiddleware) LoginByPhone(ctx context.Context, phone string) (users.User, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "login_by_phone").Add(1)
		mm.latency.With("method", "login_by_phone").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.service.LoginByPhone(ctx, phone)
}

func (mm *metricsMiddleware) ViewUser(ctx context.Context, id int64) (users.User, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "view_user").Add(1)
		mm.latency.With("method", "view_user").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.service.ViewUser(ctx, id)
}

func (mm *metricsMiddleware) UpdateUsername(ctx context.Context, id int64, oldName, newName string) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "update_username").Add(1)
		mm.latency.With("method", "update_username").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.service.UpdateUsername(ctx, id, oldName, newName)
}

func (mm *metricsMiddleware) ResetPassword(ctx context.Context, phone, secret string) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "reset_password").Add(1)
		mm.latency.With("method", "reset_password").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.service.ResetPassword(ctx, phone, secret)
}
