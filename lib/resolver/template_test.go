// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/exchangeunion/xud-docker-bot/lib/container"
)

type fakeCheckout struct {
	dir       string
	checkouts []string
}

func (f *fakeCheckout) Dir() string { return f.dir }

func (f *fakeCheckout) CheckoutRevision(_ context.Context, revision string) error {
	f.checkouts = append(f.checkouts, revision)
	return nil
}

type fakeContainers struct {
	images map[string]bool
	builds []container.BuildRequest
	runs   []container.RunRequest
	output string
	runErr error
}

func (f *fakeContainers) ImageExists(_ context.Context, image string) (bool, error) {
	return f.images[image], nil
}

func (f *fakeContainers) Build(_ context.Context, request container.BuildRequest) error {
	f.builds = append(f.builds, request)
	f.images[request.Tag] = true
	return nil
}

func (f *fakeContainers) Run(_ context.Context, request container.RunRequest) (string, error) {
	f.runs = append(f.runs, request)
	return f.output, f.runErr
}

func newTestDumper(checkout *fakeCheckout, containers *fakeContainers) *ContainerTemplateDumper {
	return NewContainerTemplateDumper(TemplateDumperConfig{
		Mirror:     checkout,
		Containers: containers,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestDumpTemplate_BuildsOncePerRevision(t *testing.T) {
	checkout := &fakeCheckout{dir: "/srv/mirror"}
	containers := &fakeContainers{
		images: map[string]bool{},
		output: "simnet/lndbtc exchangeunion/lnd:0.10.2\ntestnet/xud exchangeunion/xud:1.0.0\n",
	}
	dumper := newTestDumper(checkout, containers)

	for range 2 {
		template, err := dumper.DumpTemplate(context.Background(), "abc123")
		if err != nil {
			t.Fatalf("DumpTemplate: %v", err)
		}
		if template["simnet/lndbtc"] != "exchangeunion/lnd:0.10.2" || len(template) != 2 {
			t.Errorf("template = %v", template)
		}
	}

	if len(containers.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(containers.builds))
	}
	build := containers.builds[0]
	if build.Tag != "utils:abc123" || build.ContextDir != "/srv/mirror/images/utils" {
		t.Errorf("build = %+v", build)
	}
	if !strings.HasPrefix(build.Dockerfile, "FROM python:3.8-alpine") || !strings.Contains(build.Dockerfile, "ADD launcher launcher") {
		t.Errorf("Dockerfile = %q", build.Dockerfile)
	}
	if len(checkout.checkouts) != 1 || checkout.checkouts[0] != "abc123" {
		t.Errorf("checkouts = %v", checkout.checkouts)
	}
	run := containers.runs[0]
	if run.Entrypoint != "python" || !strings.Contains(run.Stdin, "nodes_config") {
		t.Errorf("run = %+v", run)
	}
}

func TestDumpTemplate_RunFailure(t *testing.T) {
	containers := &fakeContainers{images: map[string]bool{"utils:abc": true}, runErr: errors.New("exit status 1")}
	if _, err := newTestDumper(&fakeCheckout{}, containers).DumpTemplate(context.Background(), "abc"); err == nil {
		t.Error("DumpTemplate succeeded with a failing container")
	}
}

func TestParseTemplateDump(t *testing.T) {
	parsed, err := ParseTemplateDump("simnet/lndbtc exchangeunion/lnd:0.10.2\n\nmainnet/xud exchangeunion/xud:1.0.0\n")
	if err != nil {
		t.Fatalf("ParseTemplateDump: %v", err)
	}
	if len(parsed) != 2 || parsed["mainnet/xud"] != "exchangeunion/xud:1.0.0" {
		t.Errorf("parsed = %v", parsed)
	}

	if _, err := ParseTemplateDump("Traceback (most recent call last):\n"); err == nil {
		t.Error("ParseTemplateDump accepted a traceback")
	}
}
