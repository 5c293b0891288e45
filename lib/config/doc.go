// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the relay's YAML configuration.
//
// Configuration comes from one file, named either by the
// XUD_DOCKER_BOT_CONFIG environment variable ([Load]) or by the
// --config flag ([LoadFile]). The file is layered onto [Default]; there
// is no discovery and no per-field environment override. The only
// expansion is ${VAR} and ${VAR:-default} in path-like fields, with
// ${HOME} and ${XUD_DOCKER_BOT_HOME} (paths.home) always available.
//
// Secrets (GitHub webhook secret, Travis token, Discord webhook URL,
// operator token) are never inline: the configuration names files and
// [Config.ReadSecret] reads them. A file ending in ".age" is decrypted
// with the age identities in secrets.identity_file.
package config
