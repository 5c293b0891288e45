// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// xud-docker-bot relays repository and registry events to CI.
//
// It listens for GitHub push webhooks. A push to the image-definition
// repository is resolved against the registry to find the images whose
// definitions changed since their last published build. A push to a
// configured upstream application repository rebuilds that
// application's image on the branches the affected-branches policy
// names. Either way one build job is queued per branch, and a single
// worker turns each job into a Travis CI build request.
//
// Docker Hub push webhooks and Travis build webhooks are summarized to
// a Discord channel. Operators can queue manual builds and cancel or
// restart CI builds over HTTP.
//
// Usage:
//
//	xud-docker-bot --config /etc/xud-docker-bot.yaml
//
// The configuration file may also be named by XUD_DOCKER_BOT_CONFIG.
package main
