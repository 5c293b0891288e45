// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
	"github.com/exchangeunion/xud-docker-bot/lib/service"
)

type routeConfig struct {
	githubSecret  []byte
	operatorToken string
	dedupWindow   time.Duration
	clock         clock.Clock
}

// routes builds the HTTP surface. Webhook senders other than GitHub
// cannot sign their payloads, so only deduplication protects them.
func (r *relay) routes(config routeConfig) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.handleHealth)

	router.Route("/webhooks", func(webhooks chi.Router) {
		webhooks.Method(http.MethodPost, "/github", &githubWebhook{
			relay:      r,
			secret:     config.githubSecret,
			deliveries: newDeliveryLog(config.dedupWindow, config.clock),
		})
		webhooks.Method(http.MethodPost, "/dockerhub", &dockerhubWebhook{
			relay:      r,
			deliveries: newDeliveryLog(config.dedupWindow, config.clock),
		})
		webhooks.Method(http.MethodPost, "/travis", &travisWebhook{
			relay:      r,
			deliveries: newDeliveryLog(config.dedupWindow, config.clock),
		})
	})

	router.Group(func(operator chi.Router) {
		operator.Use(func(next http.Handler) http.Handler {
			return service.RequireBearer(config.operatorToken, next)
		})
		operator.Post("/builds", r.handleBuild)
		operator.Get("/ci/requests/{id}", handleTravisLookup(r, "request", r.builds.GetRequest))
		operator.Get("/ci/builds/{id}", handleTravisLookup(r, "build", r.builds.GetBuild))
		operator.Post("/ci/builds/{id}/cancel", r.handleBuildAction("cancel", r.builds.CancelBuild))
		operator.Post("/ci/builds/{id}/restart", r.handleBuildAction("restart", r.builds.RestartBuild))
	})

	return router
}
