// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package github

import "time"

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// Repository is the repository a pull request branch lives in.
type Repository struct {
	FullName string `json:"full_name"`
	Fork     bool   `json:"fork"`
}

// Branch is one side of a pull request. Repo is nil when the head
// repository has been deleted.
type Branch struct {
	Ref  string      `json:"ref"`
	SHA  string      `json:"sha"`
	Repo *Repository `json:"repo"`
}

// PullRequest is a GitHub pull request.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"` // "open" or "closed"
	HTMLURL   string    `json:"html_url"`
	User      User      `json:"user"`
	Head      Branch    `json:"head"`
	Base      Branch    `json:"base"`
	Draft     bool      `json:"draft"`
	UpdatedAt time.Time `json:"updated_at"`
}
