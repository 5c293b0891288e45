// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package travis

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a Travis API v3 error: a non-2xx status, or any response
// whose body has "@type": "error".
type APIError struct {
	StatusCode int

	// Type is Travis's error_type, e.g. "not_found" or
	// "request_limit_reached".
	Type    string
	Message string

	// retryAfter is the server-requested wait on a 429.
	retryAfter time.Duration
}

func (err *APIError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("travis: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("travis: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsNotFound reports whether err is a Travis 404.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && (apiError.StatusCode == 404 || apiError.Type == "not_found")
}

// IsRateLimited reports whether err is a Travis rate-limit or
// request-quota response.
func IsRateLimited(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	return apiError.StatusCode == 429 || apiError.Type == "request_limit_reached"
}
