// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package travis is a Travis CI API v3 client covering what the relay
// does with CI: submit a build request that runs the push script for a
// list of images on a list of architectures, inspect the request and
// its builds, and cancel or restart a build.
package travis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
	"github.com/exchangeunion/xud-docker-bot/lib/netutil"
	"github.com/exchangeunion/xud-docker-bot/lib/version"
)

const (
	apiVersion        = "3"
	defaultBaseURL    = "https://api.travis-ci.org"
	defaultScript     = "tools/push"
	maxRetryAfter     = 60 * time.Second
	defaultRetryAfter = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	// BaseURL defaults to https://api.travis-ci.org. Must use HTTPS.
	BaseURL string

	// Token is the Travis API token. Required.
	Token string

	// Repository is the "owner/name" slug builds are requested for.
	// Required.
	Repository string

	// Script is the build command; image references are appended.
	// Defaults to "tools/push".
	Script string

	// NotificationURL receives Travis build webhooks. Optional.
	NotificationURL string

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Client talks to one Travis repository.
type Client struct {
	baseURL         string
	token           string
	repository      string
	script          string
	notificationURL string
	httpClient      *http.Client
	clock           clock.Clock
	logger          *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("travis: API client requires HTTPS (got %q)", baseURL)
	}
	if config.Token == "" {
		return nil, errors.New("travis: Token is required")
	}
	if owner, name, ok := strings.Cut(config.Repository, "/"); !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("travis: Repository must be owner/name (got %q)", config.Repository)
	}

	client := &Client{
		baseURL:         baseURL,
		token:           config.Token,
		repository:      config.Repository,
		script:          config.Script,
		notificationURL: config.NotificationURL,
		httpClient:      config.HTTPClient,
		clock:           config.Clock,
		logger:          config.Logger,
	}
	if client.script == "" {
		client.script = defaultScript
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	return client, nil
}

// Repository returns the configured slug.
func (client *Client) Repository() string {
	return client.repository
}

// BuildURL returns the web page of a build.
func (client *Client) BuildURL(buildID int64) string {
	host := strings.Replace(client.baseURL, "://api.", "://", 1)
	return fmt.Sprintf("%s/github/%s/builds/%d", host, client.repository, buildID)
}

// TriggerRequest describes one build request.
type TriggerRequest struct {
	Branch  string
	Message string
	Images  []string

	// Platforms are docker platform strings. Empty means amd64 and
	// arm64.
	Platforms []string
}

// TriggerResult is Travis's acknowledgement of a build request.
type TriggerResult struct {
	RequestID         int64
	RemainingRequests int
}

// Architecture maps a docker platform to a Travis arch.
func Architecture(platform string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "linux/amd64":
		return "amd64", nil
	case "linux/arm64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("travis: no architecture for docker platform %q", platform)
	}
}

type requestPayload struct {
	Request struct {
		Message   string      `json:"message"`
		Branch    string      `json:"branch"`
		MergeMode string      `json:"merge_mode"`
		Config    buildConfig `json:"config"`
	} `json:"request"`
}

type buildConfig struct {
	OS            string         `json:"os"`
	Dist          string         `json:"dist"`
	Language      string         `json:"language"`
	Python        string         `json:"python"`
	Arch          []string       `json:"arch"`
	BeforeScript  []string       `json:"before_script"`
	Script        string         `json:"script"`
	Notifications *notifications `json:"notifications,omitempty"`
}

type notifications struct {
	Webhooks struct {
		URLs      []string `json:"urls"`
		OnSuccess string   `json:"on_success"`
		OnFailure string   `json:"on_failure"`
		OnStart   string   `json:"on_start"`
		OnCancel  string   `json:"on_cancel"`
		OnError   string   `json:"on_error"`
	} `json:"webhooks"`
}

// Trigger submits a build request whose config replaces the
// repository's .travis.yml.
func (client *Client) Trigger(ctx context.Context, request TriggerRequest) (*TriggerResult, error) {
	if len(request.Images) == 0 {
		return nil, errors.New("travis: build request without images")
	}
	arch := []string{"amd64", "arm64"}
	if len(request.Platforms) > 0 {
		arch = nil
		for _, platform := range request.Platforms {
			mapped, err := Architecture(platform)
			if err != nil {
				return nil, err
			}
			arch = append(arch, mapped)
		}
	}

	var payload requestPayload
	payload.Request.Message = request.Message
	payload.Request.Branch = request.Branch
	payload.Request.MergeMode = "replace"
	payload.Request.Config = buildConfig{
		OS:       "linux",
		Dist:     "bionic",
		Language: "python",
		Python:   "3.8",
		Arch:     arch,
		BeforeScript: []string{
			`echo "$DOCKER_PASSWORD" | docker login -u "$DOCKER_USERNAME" --password-stdin`,
		},
		Script: client.script + " " + strings.Join(request.Images, " "),
	}
	if client.notificationURL != "" {
		hooks := &notifications{}
		hooks.Webhooks.URLs = []string{client.notificationURL}
		hooks.Webhooks.OnSuccess = "always"
		hooks.Webhooks.OnFailure = "always"
		hooks.Webhooks.OnStart = "always"
		hooks.Webhooks.OnCancel = "always"
		hooks.Webhooks.OnError = "always"
		payload.Request.Config.Notifications = hooks
	}

	var response struct {
		RemainingRequests int `json:"remaining_requests"`
		Request           struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	path := "/repo/" + url.PathEscape(client.repository) + "/requests"
	if err := client.do(ctx, http.MethodPost, path, payload, &response); err != nil {
		return nil, err
	}

	client.logger.Info("travis build requested",
		"repository", client.repository,
		"branch", request.Branch,
		"request_id", response.Request.ID,
		"remaining_requests", response.RemainingRequests)
	return &TriggerResult{RequestID: response.Request.ID, RemainingRequests: response.RemainingRequests}, nil
}

// Request is the state of a build request.
type Request struct {
	ID     int64  `json:"id"`
	State  string `json:"state"`
	Result string `json:"result"`
	Builds []struct {
		ID int64 `json:"id"`
	} `json:"builds"`
}

// Build is the state of one build.
type Build struct {
	ID     int64  `json:"id"`
	Number string `json:"number"`
	State  string `json:"state"`
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
	Jobs []struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
	} `json:"jobs"`
}

// GetRequest returns the state of build request id.
func (client *Client) GetRequest(ctx context.Context, id int64) (*Request, error) {
	var request Request
	path := "/repo/" + url.PathEscape(client.repository) + "/request/" + strconv.FormatInt(id, 10)
	if err := client.do(ctx, http.MethodGet, path, nil, &request); err != nil {
		return nil, err
	}
	return &request, nil
}

// GetBuild returns the state of build id.
func (client *Client) GetBuild(ctx context.Context, id int64) (*Build, error) {
	var build Build
	if err := client.do(ctx, http.MethodGet, "/build/"+strconv.FormatInt(id, 10), nil, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// CancelBuild cancels build id.
func (client *Client) CancelBuild(ctx context.Context, id int64) error {
	return client.do(ctx, http.MethodPost, "/build/"+strconv.FormatInt(id, 10)+"/cancel", nil, nil)
}

// RestartBuild restarts build id.
func (client *Client) RestartBuild(ctx context.Context, id int64) error {
	return client.do(ctx, http.MethodPost, "/build/"+strconv.FormatInt(id, 10)+"/restart", nil, nil)
}

// do performs one API call, retrying once after a 429. result may be
// nil when the body is not needed.
func (client *Client) do(ctx context.Context, method, path string, body, result any) error {
	err := client.doOnce(ctx, method, path, body, result)
	var apiError *APIError
	if !errors.As(err, &apiError) || apiError.StatusCode != http.StatusTooManyRequests {
		return err
	}

	client.logger.Warn("travis rate limited, retrying", "path", path, "wait", apiError.retryAfter.String())
	select {
	case <-client.clock.After(apiError.retryAfter):
	case <-ctx.Done():
		return ctx.Err()
	}
	return client.doOnce(ctx, method, path, body, result)
}

func (client *Client) doOnce(ctx context.Context, method, path string, body, result any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("travis: encoding request: %w", err)
		}
	}

	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("travis: building request: %w", err)
	}
	request.Header.Set("Travis-API-Version", apiVersion)
	request.Header.Set("Authorization", "token "+client.token)
	request.Header.Set("User-Agent", version.UserAgent())
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("travis: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("travis: reading response: %w", err)
	}

	var envelope struct {
		Type         string `json:"@type"`
		ErrorType    string `json:"error_type"`
		ErrorMessage string `json:"error_message"`
	}
	_ = json.Unmarshal(data, &envelope)

	if response.StatusCode < 200 || response.StatusCode >= 300 || envelope.Type == "error" {
		message := envelope.ErrorMessage
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		return &APIError{
			StatusCode: response.StatusCode,
			Type:       envelope.ErrorType,
			Message:    message,
			retryAfter: retryAfter(response.Header.Get("Retry-After")),
		}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("travis: decoding %s response: %w", path, err)
	}
	return nil
}

func retryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}
	wait := time.Duration(seconds) * time.Second
	if wait > maxRetryAfter {
		return maxRetryAfter
	}
	return wait
}
