// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package container drives the docker CLI for the few operations the
// relay performs locally: checking for an image, building one from a
// directory with a generated Dockerfile, and running a throwaway
// container that reads a script on stdin.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/exchangeunion/xud-docker-bot/lib/process"
)

// Config configures a CLI.
type Config struct {
	// Binary is the docker executable. Defaults to "docker".
	Binary string

	// BuildTimeout bounds one image build. Defaults to 10 minutes.
	BuildTimeout time.Duration

	// RunTimeout bounds one container run. Defaults to 2 minutes.
	RunTimeout time.Duration

	Logger *slog.Logger
}

// CLI runs docker subcommands. Failures are *process.CommandError
// values with stdout and stderr kept apart.
type CLI struct {
	binary       string
	buildTimeout time.Duration
	runTimeout   time.Duration
	logger       *slog.Logger
}

// NewCLI returns a CLI with defaults applied.
func NewCLI(config Config) *CLI {
	cli := &CLI{
		binary:       config.Binary,
		buildTimeout: config.BuildTimeout,
		runTimeout:   config.RunTimeout,
		logger:       config.Logger,
	}
	if cli.binary == "" {
		cli.binary = "docker"
	}
	if cli.buildTimeout == 0 {
		cli.buildTimeout = 10 * time.Minute
	}
	if cli.runTimeout == 0 {
		cli.runTimeout = 2 * time.Minute
	}
	if cli.logger == nil {
		cli.logger = slog.Default()
	}
	return cli
}

// BuildRequest describes one image build.
type BuildRequest struct {
	// Tag names the resulting image, e.g. "utils:3f2a9c1".
	Tag string

	// ContextDir is the build context directory.
	ContextDir string

	// Dockerfile is the Dockerfile content, passed on stdin so the
	// context directory is never written to.
	Dockerfile string
}

// RunRequest describes one throwaway container run.
type RunRequest struct {
	Image      string
	Entrypoint string
	Args       []string

	// Stdin is piped to the container (docker run -i).
	Stdin string
}

// ImageExists reports whether image is present in the local daemon.
func (cli *CLI) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := cli.run(ctx, cli.runTimeout, "", "image", "inspect", "--format", "{{.Id}}", image)
	if err == nil {
		return true, nil
	}
	if commandError, ok := process.AsCommandError(err); ok && commandError.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// Build builds request.Tag from request.ContextDir.
func (cli *CLI) Build(ctx context.Context, request BuildRequest) error {
	_, err := cli.run(ctx, cli.buildTimeout, request.Dockerfile,
		"build", "--quiet", "--tag", request.Tag, "--file", "-", request.ContextDir)
	if err != nil {
		return fmt.Errorf("building %s: %w", request.Tag, err)
	}
	return nil
}

// Run starts a container from request.Image, removes it on exit, and
// returns its stdout.
func (cli *CLI) Run(ctx context.Context, request RunRequest) (string, error) {
	args := []string{"run", "--interactive", "--rm"}
	if request.Entrypoint != "" {
		args = append(args, "--entrypoint", request.Entrypoint)
	}
	args = append(args, request.Image)
	args = append(args, request.Args...)

	output, err := cli.run(ctx, cli.runTimeout, request.Stdin, args...)
	if err != nil {
		return "", fmt.Errorf("running %s: %w", request.Image, err)
	}
	return output, nil
}

func (cli *CLI) run(ctx context.Context, timeout time.Duration, stdin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := exec.CommandContext(ctx, cli.binary, args...)
	if stdin != "" {
		command.Stdin = strings.NewReader(stdin)
	}
	cli.logger.Debug("running container command", "command", shellescape.QuoteCommand(command.Args))

	output, err := process.Run(command)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return output, err
}
