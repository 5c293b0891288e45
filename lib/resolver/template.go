// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/exchangeunion/xud-docker-bot/lib/container"
)

// templateScript runs inside the utils image and prints one
// "<network>/<component> <image>" line per node of each network.
const templateScript = `from launcher.config.template import nodes_config

def print_network(network):
    for key, value in nodes_config[network].items():
        print("%s/%s %s" % (network, key, value["image"]))

print_network("simnet")
print_network("testnet")
print_network("mainnet")
`

// utilsDockerfile wraps the launcher package in an interpreter with the
// launcher's import-time dependencies.
const utilsDockerfile = `FROM python:3.8-alpine
RUN pip install docker toml demjson pyyaml
WORKDIR /opt
ADD launcher launcher
`

// RevisionCheckout is the slice of *git.Mirror the template dumper
// needs.
type RevisionCheckout interface {
	Dir() string
	CheckoutRevision(ctx context.Context, revision string) error
}

// ContainerRunner is the slice of *container.CLI the template dumper
// needs.
type ContainerRunner interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	Build(ctx context.Context, request container.BuildRequest) error
	Run(ctx context.Context, request container.RunRequest) (string, error)
}

// TemplateDumperConfig configures a ContainerTemplateDumper.
type TemplateDumperConfig struct {
	Mirror     RevisionCheckout
	Containers ContainerRunner

	// DefinitionsDir and UtilsArtifact locate the build context,
	// <mirror>/<DefinitionsDir>/<UtilsArtifact>. Default "images" and
	// "utils".
	DefinitionsDir string
	UtilsArtifact  string

	Logger *slog.Logger
}

// ContainerTemplateDumper builds a "<utils>:<revision>" image from the
// mirror (once per revision) and asks it for its template.
type ContainerTemplateDumper struct {
	mirror         RevisionCheckout
	containers     ContainerRunner
	definitionsDir string
	utilsArtifact  string
	logger         *slog.Logger
}

// NewContainerTemplateDumper returns a dumper with defaults applied.
func NewContainerTemplateDumper(config TemplateDumperConfig) *ContainerTemplateDumper {
	dumper := &ContainerTemplateDumper{
		mirror:         config.Mirror,
		containers:     config.Containers,
		definitionsDir: config.DefinitionsDir,
		utilsArtifact:  config.UtilsArtifact,
		logger:         config.Logger,
	}
	if dumper.definitionsDir == "" {
		dumper.definitionsDir = "images"
	}
	if dumper.utilsArtifact == "" {
		dumper.utilsArtifact = "utils"
	}
	if dumper.logger == nil {
		dumper.logger = slog.Default()
	}
	return dumper
}

// DumpTemplate leaves the mirror checked out at revision when it had to
// build; callers re-checkout what they need.
func (d *ContainerTemplateDumper) DumpTemplate(ctx context.Context, revision string) (map[string]string, error) {
	image := d.utilsArtifact + ":" + revision

	exists, err := d.containers.ImageExists(ctx, image)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := d.mirror.CheckoutRevision(ctx, revision); err != nil {
			return nil, err
		}
		d.logger.Info("building template image", "image", image)
		err := d.containers.Build(ctx, container.BuildRequest{
			Tag:        image,
			ContextDir: filepath.Join(d.mirror.Dir(), d.definitionsDir, d.utilsArtifact),
			Dockerfile: utilsDockerfile,
		})
		if err != nil {
			return nil, err
		}
	}

	output, err := d.containers.Run(ctx, container.RunRequest{
		Image:      image,
		Entrypoint: "python",
		Stdin:      templateScript,
	})
	if err != nil {
		return nil, err
	}
	template, err := ParseTemplateDump(output)
	if err != nil {
		return nil, fmt.Errorf("parsing template of %s: %w", image, err)
	}
	d.logger.Debug("dumped template", "image", image, "entries", len(template))
	return template, nil
}

// ParseTemplateDump parses "<key> <image>" lines. Blank lines are
// skipped; any other line shape is an error.
func ParseTemplateDump(output string) (map[string]string, error) {
	result := make(map[string]string)
	for number, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"<network>/<component> <image>\", got %q", number+1, line)
		}
		result[fields[0]] = fields[1]
	}
	return result, nil
}
