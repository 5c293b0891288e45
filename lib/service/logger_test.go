// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "debug", want: slog.LevelDebug},
		{input: "WARN", want: slog.LevelWarn},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q) succeeded, want error", tt.input)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.input, got, err, tt.want)
		}
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buffer bytes.Buffer
	logger := newLogger(&buffer, slog.LevelInfo, false)
	logger.Debug("hidden")
	logger.Info("job triggered", "job_id", 7)

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("log output is not a single JSON record: %v (%q)", err, buffer.String())
	}
	if record["msg"] != "job triggered" {
		t.Errorf("msg = %v, want %q", record["msg"], "job triggered")
	}
	if record["job_id"] != float64(7) {
		t.Errorf("job_id = %v, want 7", record["job_id"])
	}
}

func TestNewLoggerWritesText(t *testing.T) {
	var buffer bytes.Buffer
	logger := newLogger(&buffer, slog.LevelDebug, true)
	logger.Debug("mirror fetched", "branch", "master")

	if got := buffer.String(); !strings.Contains(got, "msg=\"mirror fetched\"") || !strings.Contains(got, "branch=master") {
		t.Errorf("text output = %q", got)
	}
}
