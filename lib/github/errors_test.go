// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"fmt"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if got, want := err.Error(), "github: HTTP 404: Not Found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("listing pulls: %w", &APIError{StatusCode: 404})) {
		t.Error("IsNotFound should see through fmt.Errorf wrapping")
	}
	if IsNotFound(&APIError{StatusCode: 403, Message: "Forbidden"}) {
		t.Error("unexpected IsNotFound for 403")
	}
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "429 response", err: &APIError{StatusCode: 429, Message: "Too Many Requests"}, expected: true},
		{name: "403 rate limit exceeded", err: &APIError{StatusCode: 403, Message: "API rate limit exceeded for 203.0.113.7"}, expected: true},
		{name: "403 abuse detection", err: &APIError{StatusCode: 403, Message: "You have triggered an abuse detection mechanism"}, expected: true},
		{name: "403 permission denied", err: &APIError{StatusCode: 403, Message: "Resource not accessible by personal access token"}, expected: false},
		{name: "non-APIError", err: fmt.Errorf("network error"), expected: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsRateLimited(test.err); got != test.expected {
				t.Errorf("IsRateLimited = %v, want %v", got, test.expected)
			}
		})
	}
}
