// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exchangeunion/xud-docker-bot/lib/sealed"
)

// EnvConfig names the environment variable consulted by Load.
const EnvConfig = "XUD_DOCKER_BOT_CONFIG"

// Config is the relay configuration.
type Config struct {
	// Listen is the HTTP listen address for webhooks and operator
	// routes.
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Paths       PathsConfig       `yaml:"paths"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	GitHub      GitHubConfig      `yaml:"github"`
	Registry    RegistryConfig    `yaml:"registry"`
	Travis      TravisConfig      `yaml:"travis"`
	Discord     DiscordConfig     `yaml:"discord"`
	Container   ContainerConfig   `yaml:"container"`
	Builds      BuildsConfig      `yaml:"builds"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
	Secrets     SecretsConfig     `yaml:"secrets"`
}

// SecretsConfig configures decryption of secret files.
type SecretsConfig struct {
	// IdentityFile holds age identities. Secret files whose name ends
	// in ".age" are decrypted with them.
	IdentityFile string `yaml:"identity_file"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Home is the relay's state directory.
	Home string `yaml:"home"`

	// Repos holds repository mirrors, one subdirectory each.
	Repos string `yaml:"repos"`
}

// DefinitionsConfig describes the image-definition repository.
type DefinitionsConfig struct {
	// Repository is the GitHub "owner/name" slug. Pushes to it are
	// resolved; pushes elsewhere go through Builds.Upstreams.
	Repository string `yaml:"repository"`

	// URL is the clone URL. Defaults to the GitHub HTTPS URL of
	// Repository.
	URL string `yaml:"url"`

	DefaultBranch string `yaml:"default_branch"`

	// HistoryRoot bounds the default branch's lineage. Images built
	// from commits at or before it are never used as baselines.
	HistoryRoot string `yaml:"history_root"`

	// Dir is the artifact directory inside the repository.
	Dir string `yaml:"dir"`

	UtilsArtifact string `yaml:"utils_artifact"`

	// Namespace is the registry namespace of published images.
	Namespace string `yaml:"namespace"`
}

// GitHubConfig configures the GitHub webhook and API access.
type GitHubConfig struct {
	// WebhookSecretFile holds the HMAC secret. Required.
	WebhookSecretFile string `yaml:"webhook_secret_file"`

	// APIURL is the REST API root, used to list open pull requests.
	APIURL string `yaml:"api_url"`

	// TokenFile holds an optional API token. Without one, requests are
	// anonymous and share the unauthenticated rate limit.
	TokenFile string `yaml:"token_file"`

	Timeout Duration `yaml:"timeout"`
}

// RegistryConfig configures the registry probe.
type RegistryConfig struct {
	URL         string   `yaml:"url"`
	TokenURL    string   `yaml:"token_url"`
	Service     string   `yaml:"service"`
	LabelDomain string   `yaml:"label_domain"`
	Timeout     Duration `yaml:"timeout"`
}

// TravisConfig configures the CI client.
type TravisConfig struct {
	APIURL string `yaml:"api_url"`

	// TokenFile holds the Travis API token. Required.
	TokenFile string `yaml:"token_file"`

	// Repository is the slug builds are requested for. Defaults to
	// Definitions.Repository.
	Repository string `yaml:"repository"`

	Script string `yaml:"script"`

	// NotificationURL is where Travis posts build results, normally
	// this relay's /webhooks/travis.
	NotificationURL string `yaml:"notification_url"`

	TriggerTimeout Duration `yaml:"trigger_timeout"`
}

// DiscordConfig configures chat notifications. Without a webhook URL
// file, notifications are only logged.
type DiscordConfig struct {
	WebhookURLFile string `yaml:"webhook_url_file"`
	Username       string `yaml:"username"`
}

// ContainerConfig configures the docker CLI used for template dumps.
type ContainerConfig struct {
	Binary       string   `yaml:"binary"`
	BuildTimeout Duration `yaml:"build_timeout"`
	RunTimeout   Duration `yaml:"run_timeout"`
}

// BuildsConfig configures build job production.
type BuildsConfig struct {
	// Platforms are requested for every automatic build.
	Platforms []string `yaml:"platforms"`

	// Upstreams maps an upstream GitHub slug to the artifact built
	// from it.
	Upstreams map[string]string `yaml:"upstreams"`

	// AvailableImages lists the artifacts manual builds may request.
	AvailableImages []string `yaml:"available_images"`

	// RebuildOpenPullRequests also rebuilds every definitions branch
	// with an open pull request when an upstream default branch moves.
	RebuildOpenPullRequests bool `yaml:"rebuild_open_pull_requests"`

	// OperatorTokenFile holds the bearer token for operator routes.
	// Empty disables the check.
	OperatorTokenFile string `yaml:"operator_token_file"`
}

// WebhooksConfig configures inbound webhook handling.
type WebhooksConfig struct {
	// DedupWindow is how long delivery keys are remembered.
	DedupWindow Duration `yaml:"dedup_window"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration every file is layered onto.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Paths: PathsConfig{
			Home:  "${HOME}/.xud-docker-bot",
			Repos: "${XUD_DOCKER_BOT_HOME}/repos",
		},
		Definitions: DefinitionsConfig{
			Repository:    "ExchangeUnion/xud-docker",
			DefaultBranch: "master",
			HistoryRoot:   "66f5d19",
			Dir:           "images",
			UtilsArtifact: "utils",
			Namespace:     "exchangeunion",
		},
		GitHub: GitHubConfig{
			APIURL:  "https://api.github.com",
			Timeout: Duration(30 * time.Second),
		},
		Registry: RegistryConfig{
			URL:         "https://registry-1.docker.io",
			TokenURL:    "https://auth.docker.io/token",
			Service:     "registry.docker.io",
			LabelDomain: "com.exchangeunion",
			Timeout:     Duration(30 * time.Second),
		},
		Travis: TravisConfig{
			APIURL:         "https://api.travis-ci.org",
			Script:         "tools/push",
			TriggerTimeout: Duration(2 * time.Minute),
		},
		Discord: DiscordConfig{
			Username: "xud-docker-bot",
		},
		Container: ContainerConfig{
			Binary:       "docker",
			BuildTimeout: Duration(10 * time.Minute),
			RunTimeout:   Duration(2 * time.Minute),
		},
		Builds: BuildsConfig{
			Platforms: []string{"linux/amd64", "linux/arm64"},
			Upstreams: map[string]string{
				"ExchangeUnion/xud":                "xud",
				"ExchangeUnion/market-maker-tools": "arby",
				"BoltzExchange/boltz-lnd":          "boltz",
			},
			AvailableImages: []string{
				"bitcoind", "litecoind", "geth",
				"lndbtc", "lndltc", "lndbtc-simnet", "lndltc-simnet",
				"connext", "xud", "arby", "boltz", "webui", "utils",
			},
		},
		Webhooks: WebhooksConfig{
			DedupWindow: Duration(time.Hour),
		},
	}
}

// Load loads the file named by XUD_DOCKER_BOT_CONFIG. There is no
// search path: an unset variable is an error.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config", EnvConfig)
	}
	return LoadFile(path)
}

// LoadFile layers the YAML file at path onto Default and expands
// ${VAR} and ${VAR:-default} in path-like fields. Maps and lists in
// the file replace the defaults rather than merging with them.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse is LoadFile for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// yaml.v3 merges into existing maps; clear the ones a file may
	// replace so a configured map is taken as-is.
	var probe struct {
		Builds struct {
			Upstreams yaml.Node `yaml:"upstreams"`
		} `yaml:"builds"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if probe.Builds.Upstreams.Kind != 0 {
		cfg.Builds.Upstreams = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	if vars["HOME"] == "" {
		vars["HOME"], _ = os.UserHomeDir()
	}

	c.Paths.Home = expandVars(c.Paths.Home, vars)
	vars["XUD_DOCKER_BOT_HOME"] = c.Paths.Home

	c.Paths.Repos = expandVars(c.Paths.Repos, vars)
	c.GitHub.WebhookSecretFile = expandVars(c.GitHub.WebhookSecretFile, vars)
	c.GitHub.TokenFile = expandVars(c.GitHub.TokenFile, vars)
	c.Travis.TokenFile = expandVars(c.Travis.TokenFile, vars)
	c.Travis.NotificationURL = expandVars(c.Travis.NotificationURL, vars)
	c.Discord.WebhookURLFile = expandVars(c.Discord.WebhookURLFile, vars)
	c.Builds.OperatorTokenFile = expandVars(c.Builds.OperatorTokenFile, vars)
	c.Secrets.IdentityFile = expandVars(c.Secrets.IdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. vars wins over the
// process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel))
	}
	if c.Paths.Home == "" {
		errs = append(errs, errors.New("paths.home is required"))
	}
	if c.Paths.Repos == "" {
		errs = append(errs, errors.New("paths.repos is required"))
	}

	if !isSlug(c.Definitions.Repository) {
		errs = append(errs, fmt.Errorf("definitions.repository must be owner/name (got %q)", c.Definitions.Repository))
	}
	if c.Definitions.DefaultBranch == "" {
		errs = append(errs, errors.New("definitions.default_branch is required"))
	}
	if c.Definitions.Dir == "" || filepath.IsAbs(c.Definitions.Dir) {
		errs = append(errs, errors.New("definitions.dir must be a relative path"))
	}
	if c.Definitions.UtilsArtifact == "" {
		errs = append(errs, errors.New("definitions.utils_artifact is required"))
	}
	if c.Definitions.Namespace == "" {
		errs = append(errs, errors.New("definitions.namespace is required"))
	}

	if c.GitHub.WebhookSecretFile == "" {
		errs = append(errs, errors.New("github.webhook_secret_file is required"))
	}

	for name, value := range map[string]string{
		"github.api_url":     c.GitHub.APIURL,
		"registry.url":       c.Registry.URL,
		"registry.token_url": c.Registry.TokenURL,
		"travis.api_url":     c.Travis.APIURL,
	} {
		if err := requireHTTPS(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Travis.TokenFile == "" {
		errs = append(errs, errors.New("travis.token_file is required"))
	}
	if c.Travis.Repository != "" && !isSlug(c.Travis.Repository) {
		errs = append(errs, fmt.Errorf("travis.repository must be owner/name (got %q)", c.Travis.Repository))
	}

	for name, value := range map[string]Duration{
		"github.timeout":          c.GitHub.Timeout,
		"registry.timeout":        c.Registry.Timeout,
		"travis.trigger_timeout":  c.Travis.TriggerTimeout,
		"container.build_timeout": c.Container.BuildTimeout,
		"container.run_timeout":   c.Container.RunTimeout,
		"webhooks.dedup_window":   c.Webhooks.DedupWindow,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if len(c.Builds.Platforms) == 0 {
		errs = append(errs, errors.New("builds.platforms must not be empty"))
	}
	for _, platform := range c.Builds.Platforms {
		if goos, arch, ok := strings.Cut(platform, "/"); !ok || goos == "" || arch == "" {
			errs = append(errs, fmt.Errorf("builds.platforms: %q is not os/arch", platform))
		}
	}
	for repository, artifact := range c.Builds.Upstreams {
		if !isSlug(repository) || artifact == "" {
			errs = append(errs, fmt.Errorf("builds.upstreams: invalid entry %q: %q", repository, artifact))
		}
	}

	if c.Secrets.IdentityFile == "" {
		for name, path := range c.secretFiles() {
			if strings.HasSuffix(path, sealedSuffix) {
				errs = append(errs, fmt.Errorf("%s is age-encrypted but secrets.identity_file is not set", name))
			}
		}
	}

	return errors.Join(errs...)
}

// DefinitionsURL returns the clone URL of the definitions repository.
func (c *Config) DefinitionsURL() string {
	if c.Definitions.URL != "" {
		return c.Definitions.URL
	}
	return "https://github.com/" + c.Definitions.Repository
}

// MirrorDir returns the working copy location of the definitions
// mirror: <repos>/<name>.
func (c *Config) MirrorDir() string {
	_, name, _ := strings.Cut(c.Definitions.Repository, "/")
	return filepath.Join(c.Paths.Repos, name)
}

// UpstreamURL returns the clone URL of an upstream source repository
// named by its GitHub slug.
func (c *Config) UpstreamURL(repository string) string {
	return "https://github.com/" + repository
}

// UpstreamMirrorDir returns the working copy location of an upstream
// source mirror: <repos>/github.com/<owner>/<name>.
func (c *Config) UpstreamMirrorDir(repository string) string {
	return filepath.Join(c.Paths.Repos, "github.com", filepath.FromSlash(repository))
}

// TravisRepository returns the slug builds are requested for.
func (c *Config) TravisRepository() string {
	if c.Travis.Repository != "" {
		return c.Travis.Repository
	}
	return c.Definitions.Repository
}

// ReadSecret returns the trimmed contents of a secret file, decrypting
// it with secrets.identity_file when its name ends in ".age". An empty
// secret is an error.
func (c *Config) ReadSecret(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, sealedSuffix) {
		data, err = sealed.ReadFile(path, c.Secrets.IdentityFile)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

const sealedSuffix = ".age"

func (c *Config) secretFiles() map[string]string {
	return map[string]string{
		"github.webhook_secret_file": c.GitHub.WebhookSecretFile,
		"github.token_file":          c.GitHub.TokenFile,
		"travis.token_file":          c.Travis.TokenFile,
		"discord.webhook_url_file":   c.Discord.WebhookURLFile,
		"builds.operator_token_file": c.Builds.OperatorTokenFile,
	}
}

func isSlug(s string) bool {
	owner, name, ok := strings.Cut(s, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}

func requireHTTPS(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "https" || parsed.Host == "" {
		return fmt.Errorf("must be an https URL (got %q)", raw)
	}
	return nil
}
