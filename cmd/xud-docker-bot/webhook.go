// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/exchangeunion/xud-docker-bot/lib/netutil"
	"github.com/exchangeunion/xud-docker-bot/lib/registry"
	"github.com/exchangeunion/xud-docker-bot/lib/service"
)

// Platform suffixes of the per-architecture tags CI pushes before
// assembling the manifest list.
var platformTagSuffixes = []string{"__x86_64", "__aarch64"}

type githubPush struct {
	Ref        string `json:"ref"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
}

// githubWebhook handles POST /webhooks/github.
type githubWebhook struct {
	relay      *relay
	secret     []byte
	deliveries *deliveryLog
}

func (h *githubWebhook) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	logger := h.relay.logger

	body, err := netutil.ReadRequest(writer, request)
	if err != nil {
		logger.Warn("github webhook: failed to read body", "error", err)
		http.Error(writer, "", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(writer, "", http.StatusBadRequest)
		return
	}

	if err := service.VerifyWebhookHMAC(h.secret, body, request.Header.Get("X-Hub-Signature-256")); err != nil {
		logger.Warn("github webhook: HMAC verification failed",
			"error", err,
			"remote_addr", request.RemoteAddr)
		http.Error(writer, "", http.StatusUnauthorized)
		return
	}

	eventType := request.Header.Get("X-GitHub-Event")
	deliveryID := request.Header.Get("X-GitHub-Delivery")
	if eventType == "" {
		http.Error(writer, "", http.StatusBadRequest)
		return
	}
	if deliveryID == "" {
		deliveryID = bodyKey("github", body)
	}
	if h.deliveries.duplicate(deliveryID) {
		logger.Debug("github webhook: duplicate delivery, ignoring", "delivery_id", deliveryID)
		writer.WriteHeader(http.StatusOK)
		return
	}
	if eventType != "push" {
		logger.Debug("github webhook: ignoring event", "event_type", eventType, "delivery_id", deliveryID)
		writer.WriteHeader(http.StatusOK)
		return
	}

	var push githubPush
	if err := json.Unmarshal(body, &push); err != nil {
		// Retrying will not fix a malformed payload.
		logger.Error("github webhook: malformed push payload", "delivery_id", deliveryID, "error", err)
		writer.WriteHeader(http.StatusOK)
		return
	}
	repository := push.Repository.FullName
	logger = logger.With("delivery_id", deliveryID, "repository", repository, "ref", push.Ref)

	if push.Deleted || !strings.HasPrefix(push.Ref, "refs/heads/") {
		logger.Debug("github webhook: ignoring push")
		writer.WriteHeader(http.StatusOK)
		return
	}

	var dispatched bool
	switch {
	case repository == h.relay.definitions:
		logger.Info("definitions push received")
		dispatched = h.relay.detach(request.Context(), "definitions-push", func(ctx context.Context, taskLogger *slog.Logger) {
			h.relay.handleDefinitionsPush(ctx, taskLogger.With("delivery_id", deliveryID), push.Ref)
		})
	case h.relay.upstreams[repository] != "":
		var commit upstreamCommit
		if push.HeadCommit != nil {
			commit = upstreamCommit{Revision: push.HeadCommit.ID, Message: push.HeadCommit.Message}
		}
		logger.Info("upstream push received", "revision", commit.Revision)
		dispatched = h.relay.detach(request.Context(), "upstream-push", func(ctx context.Context, taskLogger *slog.Logger) {
			h.relay.handleUpstreamPush(ctx, taskLogger.With("delivery_id", deliveryID), repository, push.Ref, commit)
		})
	default:
		logger.Debug("github webhook: ignoring repository")
		writer.WriteHeader(http.StatusOK)
		return
	}
	acknowledge(writer, dispatched, h.deliveries, deliveryID)
}

// acknowledge answers 202 for dispatched work. Work refused during
// shutdown gets 503 and its delivery is forgotten, so the sender's
// retry is processed by the next instance.
func acknowledge(writer http.ResponseWriter, dispatched bool, deliveries *deliveryLog, key string) {
	if !dispatched {
		deliveries.forget(key)
		http.Error(writer, "shutting down", http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

type dockerhubPush struct {
	Repository struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
	} `json:"repository"`
	PushData struct {
		Tag    string `json:"tag"`
		Pusher string `json:"pusher"`
	} `json:"push_data"`
}

// dockerhubWebhook handles POST /webhooks/dockerhub.
type dockerhubWebhook struct {
	relay      *relay
	deliveries *deliveryLog
}

func (h *dockerhubWebhook) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	logger := h.relay.logger

	body, err := netutil.ReadRequest(writer, request)
	if err != nil {
		logger.Warn("dockerhub webhook: failed to read body", "error", err)
		http.Error(writer, "", http.StatusBadRequest)
		return
	}
	var push dockerhubPush
	if err := json.Unmarshal(body, &push); err != nil || push.Repository.Name == "" || push.PushData.Tag == "" {
		logger.Error("dockerhub webhook: malformed payload", "error", err)
		http.Error(writer, "", http.StatusBadRequest)
		return
	}
	deliveryKey := bodyKey("dockerhub", body)
	if h.deliveries.duplicate(deliveryKey) {
		writer.WriteHeader(http.StatusOK)
		return
	}

	tag := push.PushData.Tag
	if !hasPlatformSuffix(tag) {
		logger.Debug("dockerhub webhook: ignoring tag", "repository", push.Repository.Name, "tag", tag)
		writer.WriteHeader(http.StatusOK)
		return
	}

	namespace := push.Repository.Namespace
	if namespace == "" {
		namespace = h.relay.namespace
	}
	repository := namespace + "/" + push.Repository.Name
	dispatched := h.relay.detach(request.Context(), "image-push", func(ctx context.Context, taskLogger *slog.Logger) {
		taskLogger = taskLogger.With("repository", repository, "tag", tag)
		images, err := h.relay.inspector.InspectTag(ctx, repository, tag)
		if err != nil {
			taskLogger.Error("inspecting pushed tag failed", "error", err)
			return
		}
		if images == nil {
			taskLogger.Warn("pushed tag not found in registry")
			return
		}
		applications := h.relay.applicationCommits(ctx, taskLogger, push.Repository.Name, images)
		h.relay.publish(ctx, taskLogger, formatImagePush(push.PushData.Pusher, push.Repository.Name, tag, images, applications))
	})
	acknowledge(writer, dispatched, h.deliveries, deliveryKey)
}

// formatImagePush summarizes a pushed tag, one block per platform. The
// tag's double underscores are escaped so Discord does not underline.
// applications maps an application revision to its commit message.
func formatImagePush(pusher, name, tag string, images []registry.PlatformImage, applications map[string]string) string {
	var message strings.Builder
	fmt.Fprintf(&message, "%s pushed %s:**%s**", pusher, name, strings.ReplaceAll(tag, "__", `\__`))
	for _, image := range images {
		fmt.Fprintf(&message, "\n• **Platform:** %s", image.Platform)
		fmt.Fprintf(&message, "\n   **Digest:** `%s`", image.Digest.Encoded())
		fmt.Fprintf(&message, "\n   **Size:** ~%s", humanize.IBytes(uint64(image.Size)))
		fmt.Fprintf(&message, "\n   **Branch:** %s", image.Branch)
		fmt.Fprintf(&message, "\n   **Revision:** `%s`", image.Revision)
		if image.AppRevision != "" {
			fmt.Fprintf(&message, "\n   **Application Revision:** `%s`", image.AppRevision)
			if subject := firstLine(applications[image.AppRevision]); subject != "" {
				fmt.Fprintf(&message, " %s", subject)
			}
		}
		if image.BuildURL != "" {
			fmt.Fprintf(&message, "\n   **Travis Build:** <%s>", image.BuildURL)
		}
	}
	return message.String()
}

func hasPlatformSuffix(tag string) bool {
	for _, suffix := range platformTagSuffixes {
		if strings.HasSuffix(tag, suffix) {
			return true
		}
	}
	return false
}

type travisBuild struct {
	ID            int64  `json:"id"`
	Number        string `json:"number"`
	ResultMessage string `json:"result_message"`
	Branch        string `json:"branch"`
	Commit        string `json:"commit"`
	Message       string `json:"message"`
	Repository    struct {
		Name      string `json:"name"`
		OwnerName string `json:"owner_name"`
	} `json:"repository"`
}

// travisWebhook handles POST /webhooks/travis. Travis posts a form with
// the build as JSON in its "payload" field.
type travisWebhook struct {
	relay      *relay
	deliveries *deliveryLog
}

func (h *travisWebhook) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	logger := h.relay.logger

	body, err := netutil.ReadRequest(writer, request)
	if err != nil {
		logger.Warn("travis webhook: failed to read body", "error", err)
		http.Error(writer, "", http.StatusBadRequest)
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil || form.Get("payload") == "" {
		logger.Error("travis webhook: missing payload field", "error", err)
		http.Error(writer, "", http.StatusBadRequest)
		return
	}
	var build travisBuild
	if err := json.Unmarshal([]byte(form.Get("payload")), &build); err != nil {
		logger.Error("travis webhook: malformed payload", "error", err)
		http.Error(writer, "", http.StatusBadRequest)
		return
	}
	deliveryKey := bodyKey("travis", body)
	if h.deliveries.duplicate(deliveryKey) {
		writer.WriteHeader(http.StatusOK)
		return
	}

	repository := build.Repository.OwnerName + "/" + build.Repository.Name
	if !strings.EqualFold(repository, h.relay.definitions) {
		logger.Debug("travis webhook: ignoring repository", "repository", repository)
		writer.WriteHeader(http.StatusOK)
		return
	}

	dispatched := h.relay.detach(request.Context(), "travis-build", func(ctx context.Context, taskLogger *slog.Logger) {
		message := build.Message
		stored, ok, err := h.relay.commits.CommitMessage(ctx, build.Commit)
		switch {
		case err != nil:
			taskLogger.Warn("looking up commit message failed", "commit", build.Commit, "error", err)
		case ok:
			message = stored
		}
		h.relay.publish(ctx, taskLogger, formatTravisBuild(build, h.relay.builds.BuildURL(build.ID), message))
	})
	acknowledge(writer, dispatched, h.deliveries, deliveryKey)
}

func formatTravisBuild(build travisBuild, buildURL, commitMessage string) string {
	var message strings.Builder
	fmt.Fprintf(&message, "🏗️ Travis build #%s: **%s**", build.Number, strings.ToLower(build.ResultMessage))
	fmt.Fprintf(&message, "\n**Link:** <%s>", buildURL)
	fmt.Fprintf(&message, "\n**Branch:** %s", build.Branch)
	fmt.Fprintf(&message, "\n**Commit:** `%s`", build.Commit)
	fmt.Fprintf(&message, "\n**Message:** %s", commitMessage)
	return message.String()
}
