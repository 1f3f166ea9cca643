// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package logger_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/elaysia-feng/nebulachat/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logMsg struct {
	Level   string `json:"level"`
	Message string `json:"msg"`
}

func TestNew(t *testing.T) {
	cases := []struct {
		desc  string
		level string
		err   bool
	}{
		{desc: "debug level", level: "debug"},
		{desc: "info level", level: "info"},
		{desc: "warn level", level: "warn"},
		{desc: "error level", level: "error"},
		{desc: "unknown level", level: "loud", err: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := logger.New(&bytes.Buffer{}, tc.level)
			if tc.err {
				assert.Error(t, err, fmt.Sprintf("%s: expected error got nil", tc.desc))
				return
			}
			assert.NoError(t, err, fmt.Sprintf("%s: expected nil got %s", tc.desc, err))
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(&buf, "warn")
	require.NoError(t, err)

	log.Info("dropped")
	assert.Zero(t, buf.Len(), "info record should be filtered at warn level")

	log.Warn("kept")
	var out logMsg
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "WARN", out.Level)
	assert.Equal(t, "kept", out.Message)
}
