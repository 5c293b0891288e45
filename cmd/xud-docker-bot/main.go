// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/exchangeunion/xud-docker-bot/lib/buildqueue"
	"github.com/exchangeunion/xud-docker-bot/lib/clock"
	"github.com/exchangeunion/xud-docker-bot/lib/config"
	"github.com/exchangeunion/xud-docker-bot/lib/container"
	"github.com/exchangeunion/xud-docker-bot/lib/git"
	"github.com/exchangeunion/xud-docker-bot/lib/github"
	"github.com/exchangeunion/xud-docker-bot/lib/notify"
	"github.com/exchangeunion/xud-docker-bot/lib/process"
	"github.com/exchangeunion/xud-docker-bot/lib/registry"
	"github.com/exchangeunion/xud-docker-bot/lib/resolver"
	"github.com/exchangeunion/xud-docker-bot/lib/service"
	"github.com/exchangeunion/xud-docker-bot/lib/travis"
	"github.com/exchangeunion/xud-docker-bot/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			return runKeygen(os.Stdout, os.Stderr)
		case "seal":
			return runSeal(os.Args[2:], os.Stdin, os.Stdout)
		}
	}

	var (
		configPath  string
		listen      string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("xud-docker-bot", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the YAML config file (default $"+config.EnvConfig+")")
	flags.StringVar(&listen, "listen", "", "HTTP listen address, overrides the config file")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error; overrides the config file")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("xud-docker-bot %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	level, err := service.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := service.NewLogger(level)
	logger.Info("starting xud-docker-bot", "version", version.Info())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	githubSecret, err := cfg.ReadSecret(cfg.GitHub.WebhookSecretFile)
	if err != nil {
		return fmt.Errorf("github webhook secret: %w", err)
	}
	travisToken, err := cfg.ReadSecret(cfg.Travis.TokenFile)
	if err != nil {
		return fmt.Errorf("travis token: %w", err)
	}
	var operatorToken string
	if cfg.Builds.OperatorTokenFile != "" {
		if operatorToken, err = cfg.ReadSecret(cfg.Builds.OperatorTokenFile); err != nil {
			return fmt.Errorf("operator token: %w", err)
		}
	} else {
		logger.Warn("operator routes are unauthenticated: builds.operator_token_file is not set")
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Paths.Repos, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.Paths.Repos, err)
	}
	mirror, err := git.OpenMirror(ctx, git.MirrorConfig{
		URL:           cfg.DefinitionsURL(),
		Dir:           cfg.MirrorDir(),
		DefaultBranch: cfg.Definitions.DefaultBranch,
		HistoryRoot:   cfg.Definitions.HistoryRoot,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer mirror.Close()

	sources, closeSources := openUpstreamMirrors(ctx, cfg, logger)
	defer closeSources()

	registryClient, err := registry.NewClient(registry.Config{
		RegistryURL: cfg.Registry.URL,
		TokenURL:    cfg.Registry.TokenURL,
		Service:     cfg.Registry.Service,
		LabelDomain: cfg.Registry.LabelDomain,
		HTTPClient:  &http.Client{Timeout: cfg.Registry.Timeout.Std()},
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	containers := container.NewCLI(container.Config{
		Binary:       cfg.Container.Binary,
		BuildTimeout: cfg.Container.BuildTimeout.Std(),
		RunTimeout:   cfg.Container.RunTimeout.Std(),
		Logger:       logger,
	})
	affected, err := resolver.New(resolver.Config{
		Mirror: mirror,
		Probe:  registryClient,
		Templates: resolver.NewContainerTemplateDumper(resolver.TemplateDumperConfig{
			Mirror:         mirror,
			Containers:     containers,
			DefinitionsDir: cfg.Definitions.Dir,
			UtilsArtifact:  cfg.Definitions.UtilsArtifact,
			Logger:         logger,
		}),
		DefinitionsDir: cfg.Definitions.Dir,
		Namespace:      cfg.Definitions.Namespace,
		UtilsArtifact:  cfg.Definitions.UtilsArtifact,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	travisClient, err := travis.NewClient(travis.Config{
		BaseURL:         cfg.Travis.APIURL,
		Token:           travisToken,
		Repository:      cfg.TravisRepository(),
		Script:          cfg.Travis.Script,
		NotificationURL: cfg.Travis.NotificationURL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	policy, err := newAffectedBranchesPolicy(cfg, logger)
	if err != nil {
		return err
	}

	realClock := clock.Real()
	queue := buildqueue.NewQueue(realClock)
	relay := &relay{
		definitions: cfg.Definitions.Repository,
		namespace:   cfg.Definitions.Namespace,
		platforms:   cfg.Builds.Platforms,
		upstreams:   cfg.Builds.Upstreams,
		available:   cfg.Builds.AvailableImages,
		policy:      policy,
		resolver:    affected,
		commits:     mirror,
		sources:     sources,
		inspector:   registryClient,
		builds:      travisClient,
		queue:       queue,
		notifier:    notifier,
		logger:      logger,
	}
	worker := buildqueue.NewWorker(buildqueue.WorkerConfig{
		Queue:       queue,
		Trigger:     travisTrigger{client: travisClient},
		JobTimeout:  cfg.Travis.TriggerTimeout.Std(),
		OnTriggered: relay.onTriggered,
		OnFailed:    relay.onFailed,
		Clock:       realClock,
		Logger:      logger,
	})
	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen,
		Handler: relay.routes(routeConfig{
			githubSecret:  []byte(githubSecret),
			operatorToken: operatorToken,
			dedupWindow:   cfg.Webhooks.DedupWindow.Std(),
			clock:         realClock,
		}),
		Logger: logger,
	})

	err = supervise(ctx, server, worker, relay, queue, func() {
		logger.Info("xud-docker-bot running",
			"address", server.Addr().String(),
			"definitions", cfg.Definitions.Repository,
			"mirror", mirror.Dir(),
			"upstream_mirrors", len(sources))
	})
	logger.Info("xud-docker-bot stopped", "pending_jobs", queue.Len())
	return err
}

// supervise runs the HTTP server and the build worker until ctx is
// cancelled, calling ready once the server is listening. Shutdown is
// ordered: Serve returns after draining in-flight handlers, then the
// relay finishes detached work, then the shutdown signal is queued
// behind every accepted job and the worker drains them.
func supervise(ctx context.Context, server *service.HTTPServer, worker *buildqueue.Worker, relay *relay, queue *buildqueue.Queue, ready func()) error {
	group, groupCtx := errgroup.WithContext(ctx)
	serverDone := make(chan struct{})
	group.Go(func() error {
		defer close(serverDone)
		return server.Serve(groupCtx)
	})
	group.Go(func() error {
		return worker.Run(context.WithoutCancel(groupCtx))
	})
	group.Go(func() error {
		<-serverDone
		relay.stop()
		queue.Shutdown()
		return nil
	})
	group.Go(func() error {
		select {
		case <-server.Ready():
			if ready != nil {
				ready()
			}
		case <-serverDone:
		}
		return nil
	})
	return group.Wait()
}

// openUpstreamMirrors clones or reuses one mirror per upstream source
// repository for commit-message lookups. A mirror that cannot be opened
// is logged and left out; lookups for it fall back to webhook payloads.
func openUpstreamMirrors(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]upstreamSource, func()) {
	sources := make(map[string]upstreamSource)
	var mirrors []*git.Mirror
	for _, repository := range slices.Sorted(maps.Keys(cfg.Builds.Upstreams)) {
		upstream, err := git.OpenMirror(ctx, git.MirrorConfig{
			URL:    cfg.UpstreamURL(repository),
			Dir:    cfg.UpstreamMirrorDir(repository),
			Logger: logger,
		})
		if err != nil {
			logger.Warn("upstream mirror unavailable, using webhook commit messages",
				"repository", repository,
				"error", err)
			continue
		}
		sources[repository] = upstream
		mirrors = append(mirrors, upstream)
	}
	return sources, func() {
		for _, upstream := range mirrors {
			upstream.Close()
		}
	}
}

func newAffectedBranchesPolicy(cfg *config.Config, logger *slog.Logger) (buildqueue.AffectedBranchesPolicy, error) {
	if !cfg.Builds.RebuildOpenPullRequests {
		return buildqueue.DefaultBranchOnly(cfg.Definitions.DefaultBranch), nil
	}
	var token string
	if cfg.GitHub.TokenFile != "" {
		var err error
		if token, err = cfg.ReadSecret(cfg.GitHub.TokenFile); err != nil {
			return nil, fmt.Errorf("github token: %w", err)
		}
	}
	client, err := github.NewClient(github.Config{
		BaseURL:    cfg.GitHub.APIURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: cfg.GitHub.Timeout.Std()},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return buildqueue.DefaultAndOpenPullRequests(cfg.Definitions.DefaultBranch, cfg.Definitions.Repository, client), nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.Discord.WebhookURLFile == "" {
		logger.Warn("no discord webhook configured, notifications are logged only")
		return notify.LogNotifier{Logger: logger}, nil
	}
	webhookURL, err := cfg.ReadSecret(cfg.Discord.WebhookURLFile)
	if err != nil {
		return nil, fmt.Errorf("discord webhook: %w", err)
	}
	return notify.NewDiscordWebhook(notify.DiscordConfig{URL: webhookURL, Username: cfg.Discord.Username})
}
