// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
)

func newTestClient(t *testing.T, server *httptest.Server, token string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Token:      token,
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_HTTPSEnforcement(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{BaseURL: "http://api.github.com"})
	if err == nil {
		t.Fatal("expected error for HTTP URL")
	}
	if got := err.Error(); got != `github: API client requires HTTPS (got "http://api.github.com")` {
		t.Errorf("unexpected error: %s", got)
	}
}

func listOpen(ctx context.Context, client *Client) ([]PullRequest, error) {
	return client.ListPullRequests("ExchangeUnion/xud-docker", ListPullRequestsOptions{State: "open"}).Collect(ctx)
}

func TestClient_Headers(t *testing.T) {
	t.Parallel()

	type seen struct{ auth, accept, version string }
	requests := make(chan seen, 2)
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests <- seen{
			auth:    request.Header.Get("Authorization"),
			accept:  request.Header.Get("Accept"),
			version: request.Header.Get("X-GitHub-Api-Version"),
		}
		writer.Write([]byte(`[{"number":1}]`))
	}))
	defer server.Close()

	ctx := context.Background()
	if _, err := listOpen(ctx, newTestClient(t, server, "test-token")); err != nil {
		t.Fatalf("ListPullRequests: %v", err)
	}
	got := <-requests
	if got.auth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want %q", got.auth, "Bearer test-token")
	}
	if got.accept != "application/vnd.github+json" {
		t.Errorf("Accept = %q, want %q", got.accept, "application/vnd.github+json")
	}
	if got.version != "2022-11-28" {
		t.Errorf("X-GitHub-Api-Version = %q, want %q", got.version, "2022-11-28")
	}

	if _, err := listOpen(ctx, newTestClient(t, server, "")); err != nil {
		t.Fatalf("anonymous ListPullRequests: %v", err)
	}
	if got := <-requests; got.auth != "" {
		t.Errorf("anonymous Authorization = %q, want none", got.auth)
	}
}

func TestClient_RateLimitBackoff(t *testing.T) {
	t.Parallel()
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	resetTime := fakeClock.Now().Add(30 * time.Second)
	var requestCount atomic.Int32

	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if requestCount.Add(1) == 1 {
			writer.Header().Set("X-RateLimit-Remaining", "0")
			writer.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
			writer.Header().Set("Retry-After", "30")
			writer.WriteHeader(http.StatusForbidden)
			json.NewEncoder(writer).Encode(map[string]string{"message": "API rate limit exceeded"})
			return
		}
		writer.Header().Set("X-RateLimit-Remaining", "59")
		writer.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Add(time.Hour).Unix(), 10))
		writer.Write([]byte(`[{"number":42,"title":"Bump lnd"}]`))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Clock:      fakeClock,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	type result struct {
		pulls []PullRequest
		err   error
	}
	done := make(chan result, 1)
	go func() {
		pulls, err := listOpen(context.Background(), client)
		done <- result{pulls, err}
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(31 * time.Second)

	got := <-done
	if got.err != nil {
		t.Fatalf("ListPullRequests: %v", got.err)
	}
	if count := requestCount.Load(); count != 2 {
		t.Errorf("expected 2 requests (rate limited + retry), got %d", count)
	}
	if len(got.pulls) != 1 || got.pulls[0].Number != 42 {
		t.Errorf("pulls = %+v, want #42", got.pulls)
	}
}

func TestClient_ETagCaching(t *testing.T) {
	t.Parallel()
	var requestCount atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestCount.Add(1)
		if request.Header.Get("If-None-Match") == `"etag-123"` {
			writer.WriteHeader(http.StatusNotModified)
			return
		}
		writer.Header().Set("ETag", `"etag-123"`)
		writer.Write([]byte(`[{"number":1,"title":"Cached"}]`))
	}))
	defer server.Close()

	client := newTestClient(t, server, "")
	ctx := context.Background()
	for i := range 2 {
		pulls, err := listOpen(ctx, client)
		if err != nil {
			t.Fatalf("ListPullRequests #%d: %v", i+1, err)
		}
		if len(pulls) != 1 || pulls[0].Title != "Cached" {
			t.Errorf("ListPullRequests #%d = %+v, want one %q", i+1, pulls, "Cached")
		}
	}
	if count := requestCount.Load(); count != 2 {
		t.Errorf("expected 2 HTTP requests, got %d", count)
	}
}

func TestClient_ErrorParsing(t *testing.T) {
	t.Parallel()
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNotFound)
		json.NewEncoder(writer).Encode(map[string]any{
			"message":           "Not Found",
			"documentation_url": "https://docs.github.com/rest",
		})
	}))
	defer server.Close()

	_, err := listOpen(context.Background(), newTestClient(t, server, ""))
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got: %v", err)
	}
}
