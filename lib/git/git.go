// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package git wraps the git CLI. Repository runs commands against one
// directory via "git -C <dir>"; Mirror builds the relay's
// exclusively-owned clone of the image-definition repository on top of
// it.
package git

import (
	"context"
	"os/exec"

	"github.com/exchangeunion/xud-docker-bot/lib/process"
)

// Repository is a git repository at a fixed directory. There is no
// default directory; callers always name the repository they mean.
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes git with args against this repository and returns
// stdout. A failure is a *process.CommandError carrying both streams.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	return process.Run(r.Command(ctx, args...))
}

// Command returns the unstarted *exec.Cmd for a git invocation with -C
// already prepended.
func (r *Repository) Command(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", r.dir}, args...)
	command := exec.CommandContext(ctx, "git", fullArgs...)
	// Never prompt for credentials; a prompt would hang the mirror.
	command.Env = append(command.Environ(), "GIT_TERMINAL_PROMPT=0")
	return command
}
