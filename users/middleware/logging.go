// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/elaysia-feng/nebulachat/users"
)

var _ users.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger  *slog.Logger
	service users.Service
}

// LoggingMiddleware adds logging facilities to the users service.
func LoggingMiddleware(service users.Service, logger *slog.Logger) users.Service {
	return &loggingMiddleware{
		logger:  logger,
		service: service,
	}
}

func (lm *loggingMiddleware) Register(ctx context.Context, user users.User) (saved users.User, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("name", user.Name),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Register user failed", args...)
			return
		}
		lm.logger.Info("Register user completed successfully", args...)
	}(time.Now())

	return lm.service.Register(ctx, user)
}

func (lm *loggingMiddleware) Authenticate(ctx context.Context, name, secret string) (user users.User, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("name", name),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Authenticate user failed", args...)
			return
		}
		lm.logger.Info("Authenticate user completed successfully", args...)
	}(time.Now())

	return lm.service.Authenticate(ctx, name, secret)
}

func (lm *loggingMiddleware) LoginByPhone(ctx context.Context, phone string) (user users.User, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("phone", phone),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Login by phone failed", args...)
			return
		}
		lm.logger.Info("Login by phone completed successfully", args...)
	}(time.Now())

	return lm.service.LoginByPhone(ctx, phone)
}

func (lm *loggingMiddleware) ViewUser(ctx context.Context, id int64) (user users.User, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Int64("user_id", id),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("View user failed", args...)
			return
		}
		lm.logger.Info("View user completed successfully", args...)
	}(time.Now())

	return lm.service.ViewUser(ctx, id)
}

func (lm *loggingMiddleware) UpdateUsername(ctx context.Context, id int64, oldName, newName string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Int64("user_id", id),
			slog.String("new_name", newName),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Update username failed", args...)
			return
		}
		lm.logger.Info("Update username completed successfully", args...)
	}(time.Now())

	return lm.service.UpdateUsername(ctx, id, oldName, newName)
}

func (lm *loggingMiddleware) ResetPassword(ctx context.Context, phone, secret string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("phone", phone),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Reset password failed", args...)
			return
		}
		lm.logger.Info("Reset password completed successfully", args...)
	}(time.Now())

	return lm.service.ResetPassword(ctx, phone, secret)
}
