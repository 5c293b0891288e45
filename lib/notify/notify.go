// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify publishes human-readable status messages to the team
// chat channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/exchangeunion/xud-docker-bot/lib/netutil"
	"github.com/exchangeunion/xud-docker-bot/lib/version"
)

// MaxContentLength is Discord's per-message content limit in
// characters.
const MaxContentLength = 2000

// Notifier publishes one message. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Publish(ctx context.Context, content string) error
}

// DiscordWebhook posts messages to a Discord channel webhook.
type DiscordWebhook struct {
	url        string
	username   string
	httpClient *http.Client
}

// DiscordConfig configures a DiscordWebhook.
type DiscordConfig struct {
	// URL is the channel webhook URL. Required; must use HTTPS.
	URL string

	// Username overrides the webhook's display name. Optional.
	Username string

	HTTPClient *http.Client
}

// NewDiscordWebhook validates config and returns a DiscordWebhook.
func NewDiscordWebhook(config DiscordConfig) (*DiscordWebhook, error) {
	if !strings.HasPrefix(config.URL, "https://") {
		return nil, fmt.Errorf("notify: Discord webhook URL must use HTTPS")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &DiscordWebhook{url: config.URL, username: config.Username, httpClient: httpClient}, nil
}

// Publish posts content, truncated to MaxContentLength characters.
func (d *DiscordWebhook) Publish(ctx context.Context, content string) error {
	body, err := json.Marshal(struct {
		Content  string `json:"content"`
		Username string `json:"username,omitempty"`
	}{Content: Truncate(content, MaxContentLength), Username: d.username})
	if err != nil {
		return fmt.Errorf("notify: encoding message: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", version.UserAgent())

	response, err := d.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("notify: posting to Discord: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("notify: Discord returned HTTP %d: %s",
			response.StatusCode, strings.TrimSpace(netutil.ErrorBody(response.Body)))
	}
	return nil
}

// LogNotifier writes messages to a logger. Used when no chat webhook is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Publish logs content at Info.
func (n LogNotifier) Publish(_ context.Context, content string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "content", content)
	return nil
}

// Truncate shortens s to at most limit characters, marking the cut
// with an ellipsis.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
