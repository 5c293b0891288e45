// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the binary entrypoint helper and the shared
// subprocess runner used by the git and container wrappers.
//
// Fatal is the only place outside lib/version that writes directly to
// stderr: it runs before (or after) the structured logger exists.
//
// Run executes an *exec.Cmd with stdout and stderr captured into
// separate buffers. A failed command returns a *CommandError carrying
// both streams, so the build worker can log them as distinct
// attributes instead of one interleaved blob.
package process
