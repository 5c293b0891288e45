// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver decides which images must be rebuilt after a push to
// the image-definition repository.
//
// For every artifact directory under the definitions tree it picks a
// baseline image from the registry (the branch's own "latest__<branch>"
// tag when that image descends from the branch, otherwise "latest") and
// compares the directory at the pushed commit with the directory at the
// commit the baseline was built from. The utils artifact additionally
// gets a template diff: the component versions pinned by its launcher
// template at both commits are compared, and every changed version is
// rebuilt as its own image tag.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/exchangeunion/xud-docker-bot/lib/git"
	"github.com/exchangeunion/xud-docker-bot/lib/registry"
)

// Mirror is the slice of *git.Mirror the resolver needs.
type Mirror interface {
	DefaultBranch() string
	Fetch(ctx context.Context) error
	CheckoutDetached(ctx context.Context, ref string) (git.Reference, error)
	HistoryUpTo(ctx context.Context, branch string) ([]string, error)
	DiffPath(ctx context.Context, revision, path string) ([]string, error)
	Subdirectories(path string) ([]string, error)
}

// Probe is the slice of *registry.Client the resolver needs.
type Probe interface {
	PublishedArtifact(ctx context.Context, repository, tag string) (*registry.Artifact, error)
}

// TemplateDumper returns the component image map pinned by the utils
// launcher template at a revision: "<network>/<component>" to a fully
// qualified image reference.
type TemplateDumper interface {
	DumpTemplate(ctx context.Context, revision string) (map[string]string, error)
}

// Config configures a Resolver.
type Config struct {
	Mirror    Mirror
	Probe     Probe
	Templates TemplateDumper

	// DefinitionsDir is the directory holding one subdirectory per
	// artifact. Defaults to "images".
	DefinitionsDir string

	// Namespace is the registry namespace of published artifacts.
	// Defaults to "exchangeunion".
	Namespace string

	// UtilsArtifact names the artifact whose template pins the other
	// components' versions. Defaults to "utils".
	UtilsArtifact string

	Logger *slog.Logger
}

// Resolver computes affected artifacts. Resolve passes are serialized:
// the mirror has one working tree.
type Resolver struct {
	mu             sync.Mutex
	mirror         Mirror
	probe          Probe
	templates      TemplateDumper
	definitionsDir string
	namespace      string
	utilsArtifact  string
	logger         *slog.Logger
}

// New returns a Resolver. Mirror, Probe, and Templates are required.
func New(config Config) (*Resolver, error) {
	if config.Mirror == nil || config.Probe == nil || config.Templates == nil {
		return nil, errors.New("resolver: Mirror, Probe, and Templates are required")
	}
	resolver := &Resolver{
		mirror:         config.Mirror,
		probe:          config.Probe,
		templates:      config.Templates,
		definitionsDir: config.DefinitionsDir,
		namespace:      config.Namespace,
		utilsArtifact:  config.UtilsArtifact,
		logger:         config.Logger,
	}
	if resolver.definitionsDir == "" {
		resolver.definitionsDir = "images"
	}
	if resolver.namespace == "" {
		resolver.namespace = "exchangeunion"
	}
	if resolver.utilsArtifact == "" {
		resolver.utilsArtifact = "utils"
	}
	if resolver.logger == nil {
		resolver.logger = slog.Default()
	}
	return resolver, nil
}

// VersionChange is one entry of the utils template diff.
type VersionChange struct {
	Network   string
	Component string

	// OldVersion is empty when the key is new in the pushed template.
	OldVersion string
	NewVersion string
}

// ArtifactFailure records an artifact whose resolution failed. Other
// artifacts are still resolved.
type ArtifactFailure struct {
	Artifact string
	Err      error
}

func (f ArtifactFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Artifact, f.Err)
}

func (f ArtifactFailure) Unwrap() error { return f.Err }

// Resolution is the outcome of one Resolve pass.
type Resolution struct {
	Reference git.Reference

	// Images are the image references to rebuild, deduplicated and
	// sorted, e.g. ["lnd:0.10.2", "utils:latest", "xud:latest"].
	Images []string

	Changes  []VersionChange
	Failures []ArtifactFailure
}

// Err joins the per-artifact failures, or returns nil.
func (r *Resolution) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, failure := range r.Failures {
		errs[i] = failure
	}
	return errors.Join(errs...)
}

// Resolve fetches the mirror, checks out ref, and returns the images
// affected by the pushed commit. Failures before the per-artifact loop
// (fetch, checkout, history) abort the pass; failures inside it are
// collected in Resolution.Failures.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	branch, err := git.BranchFromRef(ref)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("ref", ref)

	if err := r.mirror.Fetch(ctx); err != nil {
		return nil, err
	}
	reference, err := r.mirror.CheckoutDetached(ctx, ref)
	if err != nil {
		return nil, err
	}
	history, err := r.mirror.HistoryUpTo(ctx, branch)
	if err != nil {
		return nil, err
	}
	lineage := make(map[string]bool, len(history))
	for _, revision := range history {
		lineage[revision] = true
	}

	artifacts, err := r.mirror.Subdirectories(r.definitionsDir)
	if err != nil {
		return nil, err
	}

	resolution := &Resolution{Reference: reference}
	images := make(map[string]bool)
	for _, artifact := range artifacts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rebuild, changes, err := r.resolveArtifact(ctx, ref, branch, artifact, lineage, reference.Revision)
		for _, image := range rebuild {
			images[image] = true
		}
		resolution.Changes = append(resolution.Changes, changes...)
		if err != nil {
			logger.Error("artifact resolution failed", "artifact", artifact, "error", err)
			resolution.Failures = append(resolution.Failures, ArtifactFailure{Artifact: artifact, Err: err})
		}
	}

	for image := range images {
		resolution.Images = append(resolution.Images, image)
	}
	sort.Strings(resolution.Images)

	logger.Info("resolved affected images",
		"revision", reference.Revision,
		"images", strings.Join(resolution.Images, " "),
		"failures", len(resolution.Failures))
	return resolution, nil
}

func (r *Resolver) resolveArtifact(ctx context.Context, ref, branch, artifact string, lineage map[string]bool, pushedRevision string) ([]string, []VersionChange, error) {
	// The template dumper of a previous artifact may have moved HEAD.
	if _, err := r.mirror.CheckoutDetached(ctx, ref); err != nil {
		return nil, nil, err
	}

	baseline, tag, err := r.baseline(ctx, artifact, branch, lineage)
	if err != nil {
		return nil, nil, err
	}
	latest := artifact + ":latest"
	logger := r.logger.With("artifact", artifact, "baseline_tag", tag)

	if baseline == nil {
		logger.Debug("no published baseline")
		return []string{latest}, nil, nil
	}
	if baseline.Dirty() {
		logger.Debug("baseline built from a dirty tree", "revision", baseline.Revision)
		return []string{latest}, nil, nil
	}
	if baseline.Revision == "" {
		return nil, nil, &registry.ProvenanceError{
			Repository: r.repository(artifact), Tag: tag,
			Reason: "image carries no revision label",
		}
	}

	var rebuild []string
	changed, err := r.mirror.DiffPath(ctx, baseline.Revision, path.Join(r.definitionsDir, artifact))
	if err != nil {
		return nil, nil, err
	}
	if len(changed) > 0 {
		logger.Debug("definition changed since baseline", "revision", baseline.Revision, "files", len(changed))
		rebuild = append(rebuild, latest)
	}

	if artifact != r.utilsArtifact {
		return rebuild, nil, nil
	}

	changes, err := r.templateChanges(ctx, baseline.Revision, pushedRevision)
	if err != nil {
		return rebuild, nil, fmt.Errorf("template diff: %w", err)
	}
	for _, change := range changes {
		rebuild = append(rebuild, strings.TrimPrefix(change.NewVersion, r.namespace+"/"))
	}
	return rebuild, changes, nil
}

// baseline selects the registry image the artifact is compared against
// and returns it with the tag it was found under. A nil artifact means
// no usable image was published.
func (r *Resolver) baseline(ctx context.Context, artifact, branch string, lineage map[string]bool) (*registry.Artifact, string, error) {
	repository := r.repository(artifact)
	if branch != r.mirror.DefaultBranch() {
		tag := BranchTag(branch)
		published, err := r.probe.PublishedArtifact(ctx, repository, tag)
		if err != nil {
			return nil, tag, err
		}
		if published != nil && lineage[published.Revision] {
			return published, tag, nil
		}
	}
	published, err := r.probe.PublishedArtifact(ctx, repository, "latest")
	return published, "latest", err
}

func (r *Resolver) repository(artifact string) string {
	return r.namespace + "/" + artifact
}

// templateChanges diffs the utils template at the baseline revision
// against the pushed revision.
func (r *Resolver) templateChanges(ctx context.Context, baselineRevision, pushedRevision string) ([]VersionChange, error) {
	old, err := r.templates.DumpTemplate(ctx, baselineRevision)
	if err != nil {
		return nil, err
	}
	current, err := r.templates.DumpTemplate(ctx, pushedRevision)
	if err != nil {
		return nil, err
	}
	return DiffTemplates(old, current)
}

// BranchTag is the registry tag a non-default branch publishes under:
// "latest__" plus the branch with slashes replaced by dashes.
func BranchTag(branch string) string {
	return "latest__" + strings.ReplaceAll(branch, "/", "-")
}

// DiffTemplates compares two template dumps. Every key of current whose
// value is missing from, or differs in, old is a change. Keys only in
// old are ignored. Results are sorted by key.
func DiffTemplates(old, current map[string]string) ([]VersionChange, error) {
	keys := make([]string, 0, len(current))
	for key := range current {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var changes []VersionChange
	for _, key := range keys {
		network, component, ok := strings.Cut(key, "/")
		if !ok {
			return nil, fmt.Errorf("malformed template key %q", key)
		}
		newVersion := current[key]
		oldVersion, existed := old[key]
		if existed && oldVersion == newVersion {
			continue
		}
		changes = append(changes, VersionChange{
			Network:    network,
			Component:  component,
			OldVersion: oldVersion,
			NewVersion: newVersion,
		})
	}
	return changes, nil
}
