// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/exchangeunion/xud-docker-bot/lib/buildqueue"
	"github.com/exchangeunion/xud-docker-bot/lib/netutil"
	"github.com/exchangeunion/xud-docker-bot/lib/travis"
	"github.com/exchangeunion/xud-docker-bot/lib/version"
)

type buildRequest struct {
	Branch    string   `json:"branch"`
	Images    []string `json:"images"`
	Platforms []string `json:"platforms"`
	Requester string   `json:"requester"`
}

type buildResponse struct {
	ID        uint64   `json:"id"`
	Branch    string   `json:"branch"`
	Images    []string `json:"images"`
	Platforms []string `json:"platforms"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(value)
}

func writeError(writer http.ResponseWriter, request *http.Request, status int, err error) {
	writeJSON(writer, status, errorResponse{Error: err.Error(), RequestID: middleware.GetReqID(request.Context())})
}

// handleBuild queues a manually requested build.
func (r *relay) handleBuild(writer http.ResponseWriter, request *http.Request) {
	body, err := netutil.ReadRequest(writer, request)
	if err != nil {
		writeError(writer, request, http.StatusBadRequest, err)
		return
	}
	var build buildRequest
	if err := json.Unmarshal(body, &build); err != nil {
		writeError(writer, request, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if build.Branch == "" {
		writeError(writer, request, http.StatusBadRequest, errors.New("branch is required"))
		return
	}
	if len(build.Images) == 0 {
		writeError(writer, request, http.StatusBadRequest, errors.New("images must not be empty"))
		return
	}
	if err := buildqueue.ValidateImages(build.Images, r.available); err != nil {
		writeError(writer, request, http.StatusBadRequest, err)
		return
	}
	platforms := build.Platforms
	if len(platforms) == 0 {
		platforms = r.platforms
	}
	for _, platform := range platforms {
		if _, err := travis.Architecture(platform); err != nil {
			writeError(writer, request, http.StatusBadRequest, err)
			return
		}
	}
	requester := build.Requester
	if requester == "" {
		requester = "operator"
	}

	job := r.queue.Enqueue(buildqueue.NewJob{
		Branch:        build.Branch,
		Platforms:     platforms,
		Images:        build.Images,
		Justification: buildqueue.ManualJustification(requester, build.Images),
	})
	r.logger.Info("manual build job queued",
		"job_id", job.ID,
		"branch", job.Branch,
		"images", job.Images,
		"requester", requester,
		"request_id", middleware.GetReqID(request.Context()))
	r.publish(request.Context(), r.logger, fmt.Sprintf("%s queued build job #%d for branch **%s**: %s.",
		requester, job.ID, job.Branch, strings.Join(job.Images, ", ")))

	writeJSON(writer, http.StatusAccepted, buildResponse{
		ID:        job.ID,
		Branch:    job.Branch,
		Images:    job.Images,
		Platforms: job.Platforms,
	})
}

func travisID(writer http.ResponseWriter, request *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(request, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(writer, request, http.StatusBadRequest, errors.New("id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func travisStatus(err error) int {
	if travis.IsNotFound(err) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

// handleTravisLookup returns a handler for GET /ci/builds/{id} and
// GET /ci/requests/{id}, relaying the Travis state as JSON.
func handleTravisLookup[T any](r *relay, kind string, lookup func(context.Context, int64) (*T, error)) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		id, ok := travisID(writer, request)
		if !ok {
			return
		}
		state, err := lookup(request.Context(), id)
		if err != nil {
			r.logger.Warn("ci lookup failed", "kind", kind, "id", id, "error", err)
			writeError(writer, request, travisStatus(err), err)
			return
		}
		writeJSON(writer, http.StatusOK, state)
	}
}

// handleBuildAction returns a handler for POST /ci/builds/{id}/<action>.
func (r *relay) handleBuildAction(action string, call func(context.Context, int64) error) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		id, ok := travisID(writer, request)
		if !ok {
			return
		}
		if err := call(request.Context(), id); err != nil {
			r.logger.Error("ci build action failed", "action", action, "build_id", id, "error", err)
			writeError(writer, request, travisStatus(err), err)
			return
		}
		r.logger.Info("ci build action requested", "action", action, "build_id", id)
		writeJSON(writer, http.StatusAccepted, map[string]any{
			"id":     id,
			"action": action,
			"url":    r.builds.BuildURL(id),
		})
	}
}

func (r *relay) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{
		"status":  "ok",
		"queued":  r.queue.Len(),
		"version": version.Info(),
	})
}
