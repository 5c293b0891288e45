// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds channel helpers for tests: a receive that
// fails the test after a timeout instead of hanging the test binary.
package testutil
