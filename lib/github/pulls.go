// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// ListPullRequestsOptions filters ListPullRequests.
type ListPullRequestsOptions struct {
	State   string // "open" (default), "closed", or "all"
	Head    string // "owner:branch"
	Base    string
	PerPage int // max 100, default 30
}

func (options ListPullRequestsOptions) query() string {
	values := url.Values{}
	if options.State != "" {
		values.Set("state", options.State)
	}
	if options.Head != "" {
		values.Set("head", options.Head)
	}
	if options.Base != "" {
		values.Set("base", options.Base)
	}
	if options.PerPage > 0 {
		values.Set("per_page", strconv.Itoa(options.PerPage))
	}
	return values.Encode()
}

// ListPullRequests returns an iterator over the pull requests of
// "owner/name".
func (client *Client) ListPullRequests(repository string, options ListPullRequestsOptions) *PageIterator[PullRequest] {
	path := "/repos/" + repository + "/pulls"
	if query := options.query(); query != "" {
		path += "?" + query
	}
	return list[PullRequest](client, path)
}

// OpenPullRequestBranches returns the sorted head branch names of the
// open pull requests of "owner/name" whose head lives in that same
// repository. Fork branches cannot be built by the repository's CI and
// are left out.
func (client *Client) OpenPullRequestBranches(ctx context.Context, repository string) ([]string, error) {
	pulls, err := client.ListPullRequests(repository, ListPullRequestsOptions{State: "open", PerPage: 100}).Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open pull requests of %s: %w", repository, err)
	}
	var branches []string
	for _, pull := range pulls {
		if pull.State != "open" || pull.Head.Repo == nil {
			continue
		}
		if !strings.EqualFold(pull.Head.Repo.FullName, repository) {
			continue
		}
		branches = append(branches, pull.Head.Ref)
	}
	slices.Sort(branches)
	return slices.Compact(branches), nil
}
