// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package service holds the process-level plumbing shared by the relay
// binary: the HTTP listener with graceful shutdown, webhook signature
// and operator token checks, and structured logger construction.
package service
