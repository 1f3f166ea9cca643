// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package logger provides a slog-based JSON logger used across the service.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// New returns a JSON structured logger writing to w at the given textual
// level ("debug", "info", "warn", "error").
func New(w io.Writer, levelText string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelText)); err != nil {
		return nil, fmt.Errorf(`{"level":"error","message":"%s: %s","ts":"%s"}`, err, levelText, time.Now().UTC())
	}

	logHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})

	return slog.New(logHandler), nil
}

// ExitWithError terminates the process with the given code. Deferred in
// main so that other deferred cleanups run before exiting.
func ExitWithError(exitCode *int) {
	os.Exit(*exitCode)
}
