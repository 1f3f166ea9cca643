// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/elaysia-feng/nebulachat/chat"
)

var _ chat.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger  *slog.Logger
	service chat.Service
}

// LoggingMiddleware adds logging facilities to the chat service.
func LoggingMiddleware(service chat.Service, logger *slog.Logger) chat.Service {
	return &loggingMiddleware{
		logger:  logger,
		service: service,
	}
}

func (lm *loggingMiddleware) Send(ctx context.Context, msg chat.Message) (sent chat.Message, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Int64("room_id", msg.RoomID),
			slog.Int64("user_id", msg.UserID),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Send message failed", args...)
			return
		}
		lm.logger.Info("Send message completed successfully", args...)
	}(time.Now())

	return lm.service.Send(ctx, msg)
}

func (lm *loggingMiddleware) History(ctx context.Context, roomID int64, limit int) (msgs []chat.Message, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Int64("room_id", roomID),
			slog.Int("limit", limit),
			slog.Int("returned", len(msgs)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Retrieve history failed", args...)
			return
		}
		lm.logger.Info("Retrieve history completed successfully", args...)
	}(time.Now())

	return lm.service.History(ctx, roomID, limit)
}
