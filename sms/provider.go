// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package sms

import (
	"context"
	"log/slog"
)

type logProvider struct {
	logger *slog.Logger
}

var _ Provider = (*logProvider)(nil)

// NewLogProvider creates a provider that writes codes to the log instead
// of a carrier. Meant for development and tests.
func NewLogProvider(logger *slog.Logger) Provider {
	return &logProvider{logger: logger}
}

func (p *logProvider) Send(_ context.Context, phone, text string) error {
	p.logger.Info("sms code issued", slog.String("phone", phone), slog.String("code", text))
	return nil
}
