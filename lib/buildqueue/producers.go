// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package buildqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownImage is returned by ValidateImages for an image whose name
// is not a known artifact.
var ErrUnknownImage = errors.New("unknown image")

// ValidateImages checks that the name part (before ":") of every image
// is in available.
func ValidateImages(images, available []string) error {
	known := make(map[string]bool, len(available))
	for _, name := range available {
		known[name] = true
	}
	for _, image := range images {
		name, _, _ := strings.Cut(image, ":")
		if !known[name] {
			return fmt.Errorf("%w: %s", ErrUnknownImage, image)
		}
	}
	return nil
}

// ManualJustification is the message of an operator-requested build.
func ManualJustification(requester string, images []string) string {
	return fmt.Sprintf("Triggered manually by %s.\nWill build %s.", requester, strings.Join(images, ", "))
}

// AffectedBranchesPolicy maps a push to an upstream application
// repository onto the definitions-repository branches whose image of
// artifact should be rebuilt.
type AffectedBranchesPolicy interface {
	AffectedBranches(ctx context.Context, artifact, upstreamBranch string) ([]string, error)
}

// AffectedBranchesFunc adapts a function to AffectedBranchesPolicy.
type AffectedBranchesFunc func(ctx context.Context, artifact, upstreamBranch string) ([]string, error)

func (f AffectedBranchesFunc) AffectedBranches(ctx context.Context, artifact, upstreamBranch string) ([]string, error) {
	return f(ctx, artifact, upstreamBranch)
}

// DefaultBranchOnly rebuilds the default branch's image when the
// upstream default branch moves, and nothing otherwise.
func DefaultBranchOnly(defaultBranch string) AffectedBranchesPolicy {
	return AffectedBranchesFunc(func(_ context.Context, _, upstreamBranch string) ([]string, error) {
		if upstreamBranch == defaultBranch {
			return []string{defaultBranch}, nil
		}
		return nil, nil
	})
}

// OpenBranchLister lists the head branches of a repository's open pull
// requests.
type OpenBranchLister interface {
	OpenPullRequestBranches(ctx context.Context, repository string) ([]string, error)
}

// DefaultAndOpenPullRequests extends DefaultBranchOnly with every
// branch of repository that has an open pull request, since those
// branches build the upstream default branch too. When the listing
// fails the default branch is still returned, together with the error.
func DefaultAndOpenPullRequests(defaultBranch, repository string, lister OpenBranchLister) AffectedBranchesPolicy {
	return AffectedBranchesFunc(func(ctx context.Context, _, upstreamBranch string) ([]string, error) {
		if upstreamBranch != defaultBranch {
			return nil, nil
		}
		branches := []string{defaultBranch}
		open, err := lister.OpenPullRequestBranches(ctx, repository)
		if err != nil {
			return branches, fmt.Errorf("listing branches with open pull requests: %w", err)
		}
		for _, branch := range open {
			if !slices.Contains(branches, branch) {
				branches = append(branches, branch)
			}
		}
		return branches, nil
	})
}
