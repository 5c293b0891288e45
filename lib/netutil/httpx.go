// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP body reads for the relay's API clients
// (registry, Travis, Discord) and its webhook handlers.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// MaxResponseSize caps JSON API response reads. Registry manifests and
// config blobs, Travis responses, and Discord replies are all a few
// kilobytes; 32 MB only guards against a runaway server.
const MaxResponseSize int64 = 32 << 20

// MaxWebhookSize caps inbound webhook bodies. GitHub documents a 25 MB
// ceiling for push payloads.
const MaxWebhookSize int64 = 25 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a response body (up to MaxResponseSize bytes)
// and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an error response body for use in diagnostics. Read
// errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}

// ReadRequest reads an inbound request body up to MaxWebhookSize. A
// body over the limit is an error rather than a silent truncation,
// since a truncated payload would fail signature checks in confusing
// ways.
func ReadRequest(writer http.ResponseWriter, request *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(writer, request.Body, MaxWebhookSize))
}
