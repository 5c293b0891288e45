// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
	"github.com/exchangeunion/xud-docker-bot/lib/netutil"
	"github.com/exchangeunion/xud-docker-bot/lib/version"
)

const githubAPIVersion = "2022-11-28"

const defaultBaseURL = "https://api.github.com"

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to
	// "https://api.github.com". Must use HTTPS.
	BaseURL string

	// Token is a personal access or fine-grained token. Optional: the
	// pull request listing works anonymously on public repositories,
	// at the lower unauthenticated rate limit.
	Token string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a read-only GitHub REST API client with rate limiting,
// pagination, and ETag caching.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	authorization string
	rateLimit     *rateLimitTracker
	etagCache     *etagCache
	clock         clock.Clock
	logger        *slog.Logger
}

// NewClient creates a GitHub API client. Returns an error for a
// non-HTTPS base URL.
func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	authorization := ""
	if config.Token != "" {
		authorization = "Bearer " + config.Token
	}

	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		authorization: authorization,
		rateLimit:     newRateLimitTracker(clk),
		etagCache:     newETagCache(),
		clock:         clk,
		logger:        logger,
	}, nil
}

// page is one successful GET: the body and the rel="next" target of
// its Link header.
type page struct {
	body []byte
	next string
}

// getWithRetry executes an authenticated GET. A 304 answer is served
// from the ETag cache. Rate-limited responses are retried once after
// the advertised backoff.
func (client *Client) getWithRetry(ctx context.Context, url string, isRetry bool) (page, error) {
	response, err := client.doRaw(ctx, url)
	if err != nil {
		return page{}, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotModified {
		if cached, ok := client.etagCache.page(url); ok {
			return cached, nil
		}
	}

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return page{}, fmt.Errorf("github: reading response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rateLimited := response.StatusCode == http.StatusTooManyRequests ||
			(response.StatusCode == http.StatusForbidden && isRateLimitMessage(string(body)))
		if !isRetry && rateLimited {
			if retryDuration := client.rateLimit.retryAfter(response.Header); retryDuration > 0 {
				client.logger.Info("rate limited, backing off", "duration", retryDuration, "url", url)
				select {
				case <-client.clock.After(retryDuration):
				case <-ctx.Done():
					return page{}, ctx.Err()
				}
				return client.getWithRetry(ctx, url, true)
			}
		}
		return page{}, parseAPIErrorFromBody(response.StatusCode, body)
	}

	result := page{body: body, next: parseLinkNext(response.Header.Get("Link"))}
	client.etagCache.put(url, response.Header.Get("ETag"), result)
	return result, nil
}

// doRaw sends an authenticated GET and returns the raw response; the
// caller closes the body.
func (client *Client) doRaw(ctx context.Context, url string) (*http.Response, error) {
	if err := client.rateLimit.wait(ctx); err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	if client.authorization != "" {
		request.Header.Set("Authorization", client.authorization)
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	request.Header.Set("User-Agent", version.UserAgent())
	if etag := client.etagCache.get(url); etag != "" {
		request.Header.Set("If-None-Match", etag)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("github: GET %s: %w", url, err)
	}
	client.rateLimit.update(response.Header)
	return response, nil
}

func list[T any](client *Client, path string) *PageIterator[T] {
	return &PageIterator[T]{
		client:  client,
		nextURL: client.baseURL + path,
	}
}

func parseAPIErrorFromBody(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var wireError struct {
		Message          string `json:"message"`
		DocumentationURL string `json:"documentation_url"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Message != "" {
		apiError.Message = wireError.Message
		apiError.DocumentationURL = wireError.DocumentationURL
	} else {
		apiError.Message = string(body)
	}
	return apiError
}
