// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package github is a small read-only client for the GitHub REST API.
// The relay uses it to find the definitions branches that still have
// an open pull request.
//
// The client follows X-RateLimit-* headers (waiting out an exhausted
// quota and retrying a rate-limited request once), walks Link-header
// pagination, and revalidates repeated GETs with ETags. It refuses
// non-HTTPS base URLs.
package github
