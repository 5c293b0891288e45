// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError is returned by Run when a subprocess exits non-zero or
// cannot be started. Stdout and Stderr hold whatever the process wrote
// before it failed.
type CommandError struct {
	// Args is the full argv, program name first.
	Args []string

	// ExitCode is the process exit status, or -1 if the process never
	// ran or was killed by a signal.
	ExitCode int

	Stdout string
	Stderr string

	Err error
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v (stderr: %s)", strings.Join(e.Args, " "), e.Err, stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// AsCommandError extracts a *CommandError from anywhere in err's chain.
func AsCommandError(err error) (*CommandError, bool) {
	var commandError *CommandError
	if errors.As(err, &commandError) {
		return commandError, true
	}
	return nil, false
}

// Run starts command, waits for it, and returns its stdout. The
// command's Stdout and Stderr must be unset; Run installs its own
// buffers. Stdin, Dir, and Env are left as the caller configured them.
func Run(command *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		exitCode := -1
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		}
		return stdout.String(), &CommandError{
			Args:     command.Args,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.String(), nil
}
