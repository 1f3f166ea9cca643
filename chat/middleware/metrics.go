// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"time"

	"github.com/elaysia-feng/nebulachat/chat"
	"github.com/go-kit/kit/metrics"
)

var _ chat.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	service chat.Service
}

// MetricsMiddleware instruments the chat service by means of metrics.
func MetricsMiddleware(service chat.Service, counter metrics.Counter, latency metrics.Histogram) chat.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		service: service,
	}
}

func (mm *metricsMiddleware) Send(ctx context.Context, msg chat.Message) (chat.Message, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "send").Add(1)
		mm.latency.With("method", "send").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.service.Send(ctx, msg)
}

func (mm *metricsMiddleware) History(ctx context.Context, roomID int64, limit int) ([]chat.Message, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "history").Add(1)
		mm.latency.With("method", "history").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.service.History(ctx, roomID, limit)
}
