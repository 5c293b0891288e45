// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx registry or token-service response other than
// the 404s that mean "not published".
type APIError struct {
	StatusCode int
	URL        string
	Message    string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("registry: HTTP %d from %s: %s", err.StatusCode, err.URL, err.Message)
}

// IsUnauthorized reports whether err is a 401 or 403 from the registry
// or its token service.
func IsUnauthorized(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && (apiError.StatusCode == 401 || apiError.StatusCode == 403)
}

// ProvenanceError means the registry answered but the image metadata
// cannot be trusted to describe what was built: unsupported manifest
// schema, no amd64 entry in a manifest list, a config blob whose
// content does not match its digest.
type ProvenanceError struct {
	Repository string
	Tag        string
	Reason     string
}

func (err *ProvenanceError) Error() string {
	return fmt.Sprintf("registry: %s:%s: %s", err.Repository, err.Tag, err.Reason)
}

// IsProvenance reports whether err is a *ProvenanceError.
func IsProvenance(err error) bool {
	var provenanceError *ProvenanceError
	return errors.As(err, &provenanceError)
}
