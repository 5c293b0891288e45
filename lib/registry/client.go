// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry reads published image metadata from a Docker
// Registry v2 endpoint (Docker Hub by default): which commit of the
// image definitions a tag was built from, and which commit of the
// application inside it.
//
// A tag that was never pushed is not an error: PublishedArtifact
// returns (nil, nil). Every other failure is returned.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
	"github.com/exchangeunion/xud-docker-bot/lib/netutil"
	"github.com/exchangeunion/xud-docker-bot/lib/version"
)

const (
	defaultRegistryURL = "https://registry-1.docker.io"
	defaultTokenURL    = "https://auth.docker.io/token"
	defaultService     = "registry.docker.io"
	defaultLabelDomain = "com.exchangeunion"
	defaultTimeout     = 30 * time.Second

	// defaultTokenLifetime applies when a token response omits
	// expires_in, per the registry token specification.
	defaultTokenLifetime = 60 * time.Second

	// tokenExpiryMargin retires a cached token this long before the
	// registry would.
	tokenExpiryMargin = 10 * time.Second

	// DirtySuffix marks a revision label of an image built from a
	// working tree with uncommitted changes.
	DirtySuffix = "-dirty"
)

// Config configures a Client. Zero values select Docker Hub.
type Config struct {
	// RegistryURL is the registry root. Must use HTTPS.
	RegistryURL string

	// TokenURL issues pull-scoped bearer tokens. Must use HTTPS.
	TokenURL string

	// Service is the "service" parameter of token requests.
	Service string

	// LabelDomain prefixes the provenance label keys, e.g.
	// "com.exchangeunion" for "com.exchangeunion.image.revision".
	LabelDomain string

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client

	// Clock ages cached pull tokens. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a read-only registry client.
type Client struct {
	registryURL string
	tokenURL    string
	service     string
	labels      labelKeys
	httpClient  *http.Client
	clock       clock.Clock
	logger      *slog.Logger

	tokensMu sync.Mutex
	tokens   map[string]pullToken
}

// pullToken is a cached bearer token for one repository scope.
type pullToken struct {
	value   string
	expires time.Time
}

type labelKeys struct {
	revision    string
	appRevision string
	branch      string
	buildURL    string
}

// Artifact is the provenance of one published image.
type Artifact struct {
	// Digest is the image config digest (the image ID).
	Digest digest.Digest

	// Revision is the image-definition commit the image was built
	// from. Empty when the label is missing.
	Revision string

	// AppRevision is the commit of the application inside the image.
	// Empty when the label is missing.
	AppRevision string

	CreatedAt time.Time
}

// Dirty reports whether the image was built from uncommitted changes.
// A dirty revision never names a real commit.
func (a *Artifact) Dirty() bool {
	return strings.HasSuffix(a.Revision, DirtySuffix)
}

// PlatformImage describes one platform's image under a tag.
type PlatformImage struct {
	Platform string

	// Digest is the config digest.
	Digest digest.Digest

	// Size is the compressed size of the config and all layers.
	Size int64

	Branch      string
	Revision    string
	AppRevision string

	// BuildURL links to the CI job that pushed the image.
	BuildURL  string
	CreatedAt time.Time
}

// NewClient validates config and returns a Client.
func NewClient(config Config) (*Client, error) {
	registryURL := strings.TrimRight(defaultString(config.RegistryURL, defaultRegistryURL), "/")
	tokenURL := defaultString(config.TokenURL, defaultTokenURL)
	for _, endpoint := range []string{registryURL, tokenURL} {
		if !strings.HasPrefix(endpoint, "https://") {
			return nil, fmt.Errorf("registry: client requires HTTPS (got %q)", endpoint)
		}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	domain := defaultString(config.LabelDomain, defaultLabelDomain)

	return &Client{
		registryURL: registryURL,
		tokenURL:    tokenURL,
		service:     defaultString(config.Service, defaultService),
		labels: labelKeys{
			revision:    domain + ".image.revision",
			appRevision: domain + ".application.revision",
			branch:      domain + ".image.branch",
			buildURL:    domain + ".image.travis",
		},
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
		tokens:     make(map[string]pullToken),
	}, nil
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// PublishedArtifact returns the provenance of repository:tag, reading
// the linux/amd64 image when the tag is a multi-platform list. It
// returns (nil, nil) when the tag, or the blob it points at, does not
// exist.
func (client *Client) PublishedArtifact(ctx context.Context, repository, tag string) (*Artifact, error) {
	token, err := client.token(ctx, repository)
	if err != nil {
		return nil, err
	}

	top, mediaType, found, err := client.fetchManifest(ctx, token, repository, tag)
	if err != nil || !found {
		return nil, err
	}
	if err := checkSchema(top, repository, tag); err != nil {
		return nil, err
	}

	leaf := top
	switch {
	case isList(mediaType):
		var selected *descriptor
		for i := range top.Manifests {
			candidate := &top.Manifests[i]
			if candidate.Platform != nil && candidate.Platform.OS == "linux" && candidate.Platform.Architecture == "amd64" {
				selected = candidate
				break
			}
		}
		if selected == nil {
			return nil, &ProvenanceError{Repository: repository, Tag: tag, Reason: "manifest list has no linux/amd64 entry"}
		}
		leaf, _, found, err = client.fetchManifest(ctx, token, repository, selected.Digest.String())
		if err != nil || !found {
			return nil, err
		}
		if err := checkSchema(leaf, repository, tag); err != nil {
			return nil, err
		}
	case isImage(mediaType):
	default:
		return nil, &ProvenanceError{Repository: repository, Tag: tag, Reason: fmt.Sprintf("unsupported manifest media type %q", mediaType)}
	}

	config, found, err := client.fetchConfig(ctx, token, repository, tag, leaf.Config.Digest)
	if err != nil || !found {
		return nil, err
	}

	labels := config.Config.Labels
	artifact := &Artifact{
		Digest:      leaf.Config.Digest,
		Revision:    labels[client.labels.revision],
		AppRevision: labels[client.labels.appRevision],
		CreatedAt:   config.Created,
	}
	client.logger.Debug("probed registry artifact",
		"repository", repository, "tag", tag,
		"digest", artifact.Digest.String(), "revision", artifact.Revision)
	return artifact, nil
}

// InspectTag returns one PlatformImage per platform under
// repository:tag. A single-image manifest yields one entry whose
// platform comes from the image config. Returns (nil, nil) when the
// tag does not exist.
func (client *Client) InspectTag(ctx context.Context, repository, tag string) ([]PlatformImage, error) {
	token, err := client.token(ctx, repository)
	if err != nil {
		return nil, err
	}

	top, mediaType, found, err := client.fetchManifest(ctx, token, repository, tag)
	if err != nil || !found {
		return nil, err
	}
	if err := checkSchema(top, repository, tag); err != nil {
		return nil, err
	}

	if isImage(mediaType) {
		image, found, err := client.platformImage(ctx, token, repository, tag, top, "")
		if err != nil || !found {
			return nil, err
		}
		return []PlatformImage{image}, nil
	}
	if !isList(mediaType) {
		return nil, &ProvenanceError{Repository: repository, Tag: tag, Reason: fmt.Sprintf("unsupported manifest media type %q", mediaType)}
	}

	var images []PlatformImage
	for _, entry := range top.Manifests {
		// Attestation manifests carry an "unknown" platform.
		if entry.Platform == nil || entry.Platform.OS == "unknown" {
			continue
		}
		leaf, _, found, err := client.fetchManifest(ctx, token, repository, entry.Digest.String())
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		image, found, err := client.platformImage(ctx, token, repository, tag, leaf, entry.Platform.String())
		if err != nil {
			return nil, err
		}
		if found {
			images = append(images, image)
		}
	}
	return images, nil
}

func (client *Client) platformImage(ctx context.Context, token, repository, tag string, leaf manifest, platformName string) (PlatformImage, bool, error) {
	config, found, err := client.fetchConfig(ctx, token, repository, tag, leaf.Config.Digest)
	if err != nil || !found {
		return PlatformImage{}, false, err
	}
	if platformName == "" {
		platformName = platform{OS: config.OS, Architecture: config.Architecture}.String()
	}

	size := leaf.Config.Size
	for _, layer := range leaf.Layers {
		size += layer.Size
	}
	labels := config.Config.Labels
	return PlatformImage{
		Platform:    platformName,
		Digest:      leaf.Config.Digest,
		Size:        size,
		Branch:      labels[client.labels.branch],
		Revision:    labels[client.labels.revision],
		AppRevision: labels[client.labels.appRevision],
		BuildURL:    labels[client.labels.buildURL],
		CreatedAt:   config.Created,
	}, true, nil
}

func checkSchema(m manifest, repository, tag string) error {
	if m.SchemaVersion != 2 {
		return &ProvenanceError{Repository: repository, Tag: tag, Reason: fmt.Sprintf("unsupported manifest schemaVersion %d", m.SchemaVersion)}
	}
	return nil
}

// token returns an anonymous pull-scoped bearer token for repository,
// reusing a cached one until shortly before it expires.
func (client *Client) token(ctx context.Context, repository string) (string, error) {
	now := client.clock.Now()
	client.tokensMu.Lock()
	cached, ok := client.tokens[repository]
	client.tokensMu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.value, nil
	}

	value, lifetime, err := client.requestToken(ctx, repository)
	if err != nil {
		return "", err
	}
	if lifetime > tokenExpiryMargin {
		client.tokensMu.Lock()
		client.tokens[repository] = pullToken{value: value, expires: now.Add(lifetime - tokenExpiryMargin)}
		client.tokensMu.Unlock()
	}
	return value, nil
}

func (client *Client) requestToken(ctx context.Context, repository string) (string, time.Duration, error) {
	query := url.Values{}
	query.Set("service", client.service)
	query.Set("scope", "repository:"+repository+":pull")
	endpoint := client.tokenURL + "?" + query.Encode()

	response, err := client.get(ctx, endpoint, "", "")
	if err != nil {
		return "", 0, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", 0, &APIError{StatusCode: response.StatusCode, URL: endpoint, Message: netutil.ErrorBody(response.Body)}
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := netutil.DecodeResponse(response.Body, &body); err != nil {
		return "", 0, fmt.Errorf("registry: decoding token response: %w", err)
	}
	lifetime := defaultTokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}
	switch {
	case body.Token != "":
		return body.Token, lifetime, nil
	case body.AccessToken != "":
		return body.AccessToken, lifetime, nil
	}
	return "", 0, fmt.Errorf("registry: token response for %s carried no token", repository)
}

// fetchManifest GETs a manifest by tag or digest. found is false on 404.
func (client *Client) fetchManifest(ctx context.Context, token, repository, reference string) (manifest, string, bool, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/manifests/%s", client.registryURL, repository, reference)
	response, err := client.get(ctx, endpoint, token, acceptManifest)
	if err != nil {
		return manifest{}, "", false, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return manifest{}, "", false, nil
	}
	if response.StatusCode != http.StatusOK {
		return manifest{}, "", false, &APIError{StatusCode: response.StatusCode, URL: endpoint, Message: netutil.ErrorBody(response.Body)}
	}

	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return manifest{}, "", false, fmt.Errorf("registry: reading manifest %s: %w", endpoint, err)
	}
	var result manifest
	if err := json.Unmarshal(data, &result); err != nil {
		return manifest{}, "", false, fmt.Errorf("registry: decoding manifest %s: %w", endpoint, err)
	}

	mediaType := result.MediaType
	if contentType := response.Header.Get("Content-Type"); contentType != "" {
		if parsed, _, _ := strings.Cut(contentType, ";"); parsed != "application/json" {
			mediaType = strings.TrimSpace(parsed)
		}
	}
	if mediaType == "" && result.Config.Digest != "" {
		mediaType = MediaTypeOCIManifest
	}
	return result, mediaType, true, nil
}

// fetchConfig GETs and verifies an image config blob. found is false
// on 404.
func (client *Client) fetchConfig(ctx context.Context, token, repository, tag string, configDigest digest.Digest) (imageConfig, bool, error) {
	if err := configDigest.Validate(); err != nil {
		return imageConfig{}, false, &ProvenanceError{Repository: repository, Tag: tag, Reason: fmt.Sprintf("invalid config digest %q: %v", configDigest, err)}
	}

	endpoint := fmt.Sprintf("%s/v2/%s/blobs/%s", client.registryURL, repository, configDigest)
	response, err := client.get(ctx, endpoint, token, "")
	if err != nil {
		return imageConfig{}, false, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return imageConfig{}, false, nil
	}
	if response.StatusCode != http.StatusOK {
		return imageConfig{}, false, &APIError{StatusCode: response.StatusCode, URL: endpoint, Message: netutil.ErrorBody(response.Body)}
	}

	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return imageConfig{}, false, fmt.Errorf("registry: reading config blob %s: %w", configDigest, err)
	}
	if configDigest.Algorithm().FromBytes(data) != configDigest {
		return imageConfig{}, false, &ProvenanceError{Repository: repository, Tag: tag, Reason: fmt.Sprintf("config blob does not match digest %s", configDigest)}
	}

	var config imageConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return imageConfig{}, false, fmt.Errorf("registry: decoding config blob %s: %w", configDigest, err)
	}
	return config, true, nil
}

func (client *Client) get(ctx context.Context, endpoint, token, accept string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: building request: %w", err)
	}
	request.Header.Set("User-Agent", version.UserAgent())
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if accept != "" {
		request.Header.Set("Accept", accept)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("registry: GET %s: %w", endpoint, err)
	}
	return response, nil
}
