// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exchangeunion/xud-docker-bot/lib/buildqueue"
	"github.com/exchangeunion/xud-docker-bot/lib/git"
	"github.com/exchangeunion/xud-docker-bot/lib/github"
	"github.com/exchangeunion/xud-docker-bot/lib/notify"
	"github.com/exchangeunion/xud-docker-bot/lib/registry"
	"github.com/exchangeunion/xud-docker-bot/lib/resolver"
	"github.com/exchangeunion/xud-docker-bot/lib/travis"
)

// processingTimeout bounds one detached webhook pass. A resolution may
// build a utils image, which dominates.
const processingTimeout = 30 * time.Minute

type definitionsResolver interface {
	Resolve(ctx context.Context, ref string) (*resolver.Resolution, error)
}

type commitLookup interface {
	CommitMessage(ctx context.Context, revision string) (string, bool, error)
}

// upstreamSource is a mirror of an application's own repository.
type upstreamSource interface {
	Fetch(ctx context.Context) error
	CommitMessage(ctx context.Context, revision string) (string, bool, error)
}

type tagInspector interface {
	InspectTag(ctx context.Context, repository, tag string) ([]registry.PlatformImage, error)
}

type buildControl interface {
	GetRequest(ctx context.Context, id int64) (*travis.Request, error)
	GetBuild(ctx context.Context, id int64) (*travis.Build, error)
	CancelBuild(ctx context.Context, id int64) error
	RestartBuild(ctx context.Context, id int64) error
	BuildURL(id int64) string
}

// relay is the process-wide context shared by the HTTP handlers and
// the build worker. Everything is constructed in main and passed in.
type relay struct {
	definitions string
	namespace   string
	platforms   []string
	upstreams   map[string]string
	available   []string
	policy      buildqueue.AffectedBranchesPolicy

	resolver  definitionsResolver
	commits   commitLookup
	sources   map[string]upstreamSource
	inspector tagInspector
	builds    buildControl
	queue     *buildqueue.Queue
	notifier  notify.Notifier
	logger    *slog.Logger

	mu         sync.Mutex
	stopping   bool
	background sync.WaitGroup
}

// detach runs fn after the webhook has been acknowledged. The request's
// values (request ID) carry over; its cancellation does not. It reports
// false, and runs nothing, once stop has begun.
func (r *relay) detach(parent context.Context, name string, fn func(ctx context.Context, logger *slog.Logger)) bool {
	correlationID := uuid.NewString()
	logger := r.logger.With("task", name, "correlation_id", correlationID)

	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		logger.Warn("relay is stopping, not processing webhook")
		return false
	}
	r.background.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), processingTimeout)
		defer cancel()
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("webhook processing panicked", "panic", recovered)
			}
		}()
		fn(ctx, logger)
	}()
	return true
}

// wait blocks until detached work has finished.
func (r *relay) wait() {
	r.background.Wait()
}

// stop refuses further detached work and waits for what is running.
func (r *relay) stop() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	r.background.Wait()
}

func (r *relay) publish(ctx context.Context, logger *slog.Logger, content string) {
	if err := r.notifier.Publish(ctx, notify.Truncate(content, notify.MaxContentLength)); err != nil {
		logger.Error("publishing notification failed", "error", err)
	}
}

// handleDefinitionsPush resolves a push to the definitions repository
// and queues one job for the affected images.
func (r *relay) handleDefinitionsPush(ctx context.Context, logger *slog.Logger, ref string) {
	branch, err := git.BranchFromRef(ref)
	if err != nil {
		logger.Debug("ignoring non-branch push", "ref", ref)
		return
	}

	resolution, err := r.resolver.Resolve(ctx, ref)
	if err != nil {
		logger.Error("resolving push failed", "ref", ref, "error", err)
		r.publish(ctx, logger, fmt.Sprintf("%s branch **%s** was pushed but could not be resolved: %v",
			r.definitions, branch, err))
		return
	}

	for _, failure := range resolution.Failures {
		logger.Warn("artifact resolution failed",
			"ref", ref,
			"artifact", failure.Artifact,
			"error", failure.Err)
	}
	if len(resolution.Failures) > 0 {
		names := make([]string, len(resolution.Failures))
		for i, failure := range resolution.Failures {
			names[i] = failure.Artifact
		}
		r.publish(ctx, logger, fmt.Sprintf("Could not decide whether to rebuild %s on branch **%s**: %v",
			strings.Join(names, ", "), branch, resolution.Err()))
	}

	if len(resolution.Images) == 0 {
		logger.Info("push affects no images",
			"branch", branch,
			"revision", resolution.Reference.Revision)
		return
	}

	job := r.queue.Enqueue(buildqueue.NewJob{
		Branch:        branch,
		Platforms:     r.platforms,
		Images:        resolution.Images,
		Justification: resolution.Reference.CommitMessage,
	})
	logger.Info("build job queued",
		"job_id", job.ID,
		"branch", branch,
		"revision", resolution.Reference.Revision,
		"images", job.Images)

	var message strings.Builder
	fmt.Fprintf(&message, "%s branch **%s** was pushed (%s). Will build %s.",
		r.definitions, branch, firstLine(resolution.Reference.CommitMessage), strings.Join(job.Images, ", "))
	for _, change := range resolution.Changes {
		old := change.OldVersion
		if old == "" {
			old = "new"
		}
		fmt.Fprintf(&message, "\n• %s/%s: %s → %s", change.Network, change.Component, old, change.NewVersion)
	}
	r.publish(ctx, logger, message.String())
}

// upstreamCommit is the head commit of an upstream push as the
// webhook reported it. The message is used when the mirror cannot
// supply one.
type upstreamCommit struct {
	Revision string
	Message  string
}

// handleUpstreamPush queues a rebuild of an application image on every
// definitions branch the policy names.
func (r *relay) handleUpstreamPush(ctx context.Context, logger *slog.Logger, repository, ref string, commit upstreamCommit) {
	artifact := r.upstreams[repository]
	branch, err := git.BranchFromRef(ref)
	if err != nil {
		logger.Debug("ignoring non-branch push", "repository", repository, "ref", ref)
		return
	}

	commitMessage := commit.Message
	stored, ok, err := r.upstreamCommitMessage(ctx, repository, commit.Revision)
	switch {
	case err != nil:
		logger.Warn("looking up upstream commit message failed",
			"repository", repository,
			"revision", commit.Revision,
			"error", err)
	case ok:
		commitMessage = stored
	}

	branches, err := r.policy.AffectedBranches(ctx, artifact, branch)
	if err != nil {
		logger.Warn("affected branches incomplete",
			"repository", repository,
			"branch", branch,
			"rate_limited", github.IsRateLimited(err),
			"error", err)
	}
	list := "nothing"
	if len(branches) > 0 {
		list = strings.Join(branches, ", ")
	}
	r.publish(ctx, logger, fmt.Sprintf("%s branch **%s** was pushed (%s). Will trigger builds for %s.",
		repository, branch, firstLine(commitMessage), list))

	images := []string{artifact + ":latest"}
	for _, target := range branches {
		job := r.queue.Enqueue(buildqueue.NewJob{
			Branch:    target,
			Platforms: r.platforms,
			Images:    images,
			Justification: fmt.Sprintf("Triggered from GitHub %s branch %s updates.\n%s\nWill build %s.",
				repository, branch, commitMessage, strings.Join(images, ", ")),
		})
		logger.Info("build job queued",
			"job_id", job.ID,
			"branch", target,
			"upstream", repository,
			"upstream_branch", branch,
			"images", images)
	}
}

// upstreamCommitMessage returns the full message of revision from the
// repository's mirror, fetching once when the commit is not there yet.
// The boolean is false when there is no mirror or no such commit.
func (r *relay) upstreamCommitMessage(ctx context.Context, repository, revision string) (string, bool, error) {
	source := r.sources[repository]
	if source == nil || revision == "" {
		return "", false, nil
	}
	message, ok, err := source.CommitMessage(ctx, revision)
	if err != nil || ok {
		return message, ok, err
	}
	if err := source.Fetch(ctx); err != nil {
		return "", false, fmt.Errorf("fetching %s: %w", repository, err)
	}
	return source.CommitMessage(ctx, revision)
}

// applicationCommits looks up the commit message of every application
// revision baked into images of artifact. Revisions that cannot be
// found are left out.
func (r *relay) applicationCommits(ctx context.Context, logger *slog.Logger, artifact string, images []registry.PlatformImage) map[string]string {
	var repository string
	for _, slug := range slices.Sorted(maps.Keys(r.upstreams)) {
		if r.upstreams[slug] == artifact {
			repository = slug
			break
		}
	}
	if repository == "" {
		return nil
	}

	messages := make(map[string]string)
	for _, image := range images {
		if image.AppRevision == "" {
			continue
		}
		if _, seen := messages[image.AppRevision]; seen {
			continue
		}
		message, _, err := r.upstreamCommitMessage(ctx, repository, image.AppRevision)
		if err != nil {
			logger.Warn("looking up application revision failed",
				"repository", repository,
				"revision", image.AppRevision,
				"error", err)
			continue
		}
		messages[image.AppRevision] = message
	}
	return messages
}

func (r *relay) onTriggered(ctx context.Context, job buildqueue.BuildJob, receipt buildqueue.Receipt) {
	r.publish(ctx, r.logger, fmt.Sprintf("Requested Travis build of %s for branch **%s** (job #%d, request %s, %d request(s) left).",
		strings.Join(job.Images, ", "), job.Branch, job.ID, receipt.RequestID, receipt.RemainingRequests))
}

func (r *relay) onFailed(ctx context.Context, job buildqueue.BuildJob, err error) {
	r.publish(ctx, r.logger, fmt.Sprintf("Failed to trigger build job #%d for branch **%s** (%s): %v",
		job.ID, job.Branch, strings.Join(job.Images, ", "), err))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
