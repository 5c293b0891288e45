// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
)

// fakeRegistry serves a token endpoint and the subset of the v2 API the
// client uses. Manifests are keyed by "repository@reference".
type fakeRegistry struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	manifests map[string]fakeManifest
	blobs     map[digest.Digest][]byte
	failWith  int
	scopes    []string
	clock     clock.Clock
}

type fakeManifest struct {
	mediaType string
	body      []byte
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	registry := &fakeRegistry{
		t:         t,
		manifests: make(map[string]fakeManifest),
		blobs:     make(map[digest.Digest][]byte),
	}
	registry.server = httptest.NewTLSServer(http.HandlerFunc(registry.serve))
	t.Cleanup(registry.server.Close)
	return registry
}

func (registry *fakeRegistry) serve(writer http.ResponseWriter, request *http.Request) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if request.URL.Path == "/token" {
		registry.scopes = append(registry.scopes, request.URL.Query().Get("scope"))
		json.NewEncoder(writer).Encode(map[string]any{"token": "pull-token", "expires_in": 300})
		return
	}
	if request.Header.Get("Authorization") != "Bearer pull-token" {
		http.Error(writer, "unauthorized", http.StatusUnauthorized)
		return
	}
	if registry.failWith != 0 {
		http.Error(writer, "upstream exploded", registry.failWith)
		return
	}

	path := strings.TrimPrefix(request.URL.Path, "/v2/")
	if repository, reference, ok := strings.Cut(path, "/manifests/"); ok {
		entry, found := registry.manifests[repository+"@"+reference]
		if !found {
			http.NotFound(writer, request)
			return
		}
		writer.Header().Set("Content-Type", entry.mediaType)
		writer.Write(entry.body)
		return
	}
	if _, blobDigest, ok := strings.Cut(path, "/blobs/"); ok {
		blob, found := registry.blobs[digest.Digest(blobDigest)]
		if !found {
			http.NotFound(writer, request)
			return
		}
		writer.Write(blob)
		return
	}
	http.NotFound(writer, request)
}

// addImage registers a single-platform image and returns its manifest
// digest and config digest.
func (registry *fakeRegistry) addImage(repository, tag string, labels map[string]string, arch string) (digest.Digest, digest.Digest) {
	registry.t.Helper()
	registry.mu.Lock()
	defer registry.mu.Unlock()

	config, err := json.Marshal(map[string]any{
		"created":      "2020-06-01T12:00:00Z",
		"architecture": arch,
		"os":           "linux",
		"config":       map[string]any{"Labels": labels},
	})
	if err != nil {
		registry.t.Fatal(err)
	}
	configDigest := digest.FromBytes(config)
	registry.blobs[configDigest] = config

	body, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     MediaTypeDockerManifest,
		"config":        map[string]any{"mediaType": "application/vnd.docker.container.image.v1+json", "size": len(config), "digest": configDigest},
		"layers": []map[string]any{
			{"size": 1000, "digest": digest.FromString("layer-1-" + arch)},
			{"size": 2000, "digest": digest.FromString("layer-2-" + arch)},
		},
	})
	if err != nil {
		registry.t.Fatal(err)
	}
	manifestDigest := digest.FromBytes(body)
	entry := fakeManifest{mediaType: MediaTypeDockerManifest, body: body}
	registry.manifests[repository+"@"+manifestDigest.String()] = entry
	if tag != "" {
		registry.manifests[repository+"@"+tag] = entry
	}
	return manifestDigest, configDigest
}

func (registry *fakeRegistry) addList(repository, tag string, entries map[string]digest.Digest) {
	registry.t.Helper()
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var manifests []map[string]any
	for arch, manifestDigest := range entries {
		osName := "linux"
		if arch == "unknown" {
			osName = "unknown"
		}
		manifests = append(manifests, map[string]any{
			"mediaType": MediaTypeDockerManifest,
			"digest":    manifestDigest,
			"size":      500,
			"platform":  map[string]string{"architecture": arch, "os": osName},
		})
	}
	body, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     MediaTypeDockerManifestList,
		"manifests":     manifests,
	})
	if err != nil {
		registry.t.Fatal(err)
	}
	registry.manifests[repository+"@"+tag] = fakeManifest{mediaType: MediaTypeDockerManifestList, body: body}
}

func (registry *fakeRegistry) setRaw(repository, tag, mediaType, body string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.manifests[repository+"@"+tag] = fakeManifest{mediaType: mediaType, body: []byte(body)}
}

func (registry *fakeRegistry) client(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(Config{
		RegistryURL: registry.server.URL,
		TokenURL:    registry.server.URL + "/token",
		HTTPClient:  registry.server.Client(),
		Clock:       registry.clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func provenanceLabels(revision, appRevision string) map[string]string {
	return map[string]string{
		"com.exchangeunion.image.revision":       revision,
		"com.exchangeunion.application.revision": appRevision,
		"com.exchangeunion.image.branch":         "master",
		"com.exchangeunion.image.travis":         "https://travis-ci.org/ExchangeUnion/xud-docker/jobs/1",
	}
}

func TestPublishedArtifact_SingleManifest(t *testing.T) {
	registry := newFakeRegistry(t)
	_, configDigest := registry.addImage("exchangeunion/xud", "latest", provenanceLabels("abc123", "def456"), "amd64")

	artifact, err := registry.client(t).PublishedArtifact(context.Background(), "exchangeunion/xud", "latest")
	if err != nil {
		t.Fatalf("PublishedArtifact: %v", err)
	}
	if artifact == nil {
		t.Fatal("PublishedArtifact returned nil for a published tag")
	}
	if artifact.Digest != configDigest {
		t.Errorf("Digest = %s, want %s", artifact.Digest, configDigest)
	}
	if artifact.Revision != "abc123" || artifact.AppRevision != "def456" {
		t.Errorf("revisions = %q/%q, want abc123/def456", artifact.Revision, artifact.AppRevision)
	}
	if want := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC); !artifact.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", artifact.CreatedAt, want)
	}
	if artifact.Dirty() {
		t.Error("Dirty() = true for a clean revision")
	}
	registry.mu.Lock()
	scopes := registry.scopes
	registry.mu.Unlock()
	if len(scopes) == 0 || scopes[0] != "repository:exchangeunion/xud:pull" {
		t.Errorf("token scopes = %v", scopes)
	}
}

func TestPublishedArtifact_ManifestListPicksAMD64(t *testing.T) {
	registry := newFakeRegistry(t)
	amd64Manifest, amd64Config := registry.addImage("exchangeunion/lnd", "", provenanceLabels("amd64rev", "lndrev"), "amd64")
	arm64Manifest, _ := registry.addImage("exchangeunion/lnd", "", provenanceLabels("arm64rev", "lndrev"), "arm64")
	registry.addList("exchangeunion/lnd", "latest", map[string]digest.Digest{"arm64": arm64Manifest, "amd64": amd64Manifest})

	artifact, err := registry.client(t).PublishedArtifact(context.Background(), "exchangeunion/lnd", "latest")
	if err != nil {
		t.Fatalf("PublishedArtifact: %v", err)
	}
	if artifact.Digest != amd64Config || artifact.Revision != "amd64rev" {
		t.Errorf("artifact = %+v, want the amd64 image", artifact)
	}
}

func TestPublishedArtifact_Absent(t *testing.T) {
	registry := newFakeRegistry(t)

	artifact, err := registry.client(t).PublishedArtifact(context.Background(), "exchangeunion/xud", "latest__feature-x")
	if err != nil {
		t.Fatalf("PublishedArtifact(absent) error: %v", err)
	}
	if artifact != nil {
		t.Errorf("PublishedArtifact(absent) = %+v, want nil", artifact)
	}
}

func TestPublishedArtifact_DirtyAndMissingLabels(t *testing.T) {
	registry := newFakeRegistry(t)
	registry.addImage("exchangeunion/xud", "dirty", provenanceLabels("abc123-dirty", ""), "amd64")
	registry.addImage("exchangeunion/xud", "bare", map[string]string{}, "amd64")
	client := registry.client(t)

	dirty, err := client.PublishedArtifact(context.Background(), "exchangeunion/xud", "dirty")
	if err != nil {
		t.Fatalf("PublishedArtifact(dirty): %v", err)
	}
	if !dirty.Dirty() {
		t.Error("Dirty() = false for a -dirty revision")
	}

	bare, err := client.PublishedArtifact(context.Background(), "exchangeunion/xud", "bare")
	if err != nil {
		t.Fatalf("PublishedArtifact(bare): %v", err)
	}
	if bare.Revision != "" || bare.AppRevision != "" {
		t.Errorf("missing labels produced %q/%q, want empty", bare.Revision, bare.AppRevision)
	}
}

func TestPublishedArtifact_ProvenanceErrors(t *testing.T) {
	tests := []struct {
		name      string
		mediaType string
		body      string
	}{
		{name: "schema_v1", mediaType: "application/vnd.docker.distribution.manifest.v1+prettyjws", body: `{"schemaVersion":1}`},
		{name: "unknown_media_type", mediaType: "application/x-unknown", body: `{"schemaVersion":2}`},
		{name: "list_without_amd64", mediaType: MediaTypeDockerManifestList, body: `{"schemaVersion":2,"manifests":[{"digest":"sha256:` + strings.Repeat("a", 64) + `","platform":{"os":"linux","architecture":"arm64"}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newFakeRegistry(t)
			registry.setRaw("exchangeunion/xud", "latest", tt.mediaType, tt.body)

			_, err := registry.client(t).PublishedArtifact(context.Background(), "exchangeunion/xud", "latest")
			if !IsProvenance(err) {
				t.Errorf("error = %v, want *ProvenanceError", err)
			}
		})
	}
}

func TestPublishedArtifact_TamperedConfigBlob(t *testing.T) {
	registry := newFakeRegistry(t)
	_, configDigest := registry.addImage("exchangeunion/xud", "latest", provenanceLabels("abc", "def"), "amd64")
	registry.mu.Lock()
	registry.blobs[configDigest] = []byte(`{"config":{"Labels":{"com.exchangeunion.image.revision":"forged"}}}`)
	registry.mu.Unlock()

	_, err := registry.client(t).PublishedArtifact(context.Background(), "exchangeunion/xud", "latest")
	if !IsProvenance(err) {
		t.Errorf("error = %v, want *ProvenanceError", err)
	}
}

func TestPublishedArtifact_ServerErrorIsNotAbsent(t *testing.T) {
	registry := newFakeRegistry(t)
	registry.mu.Lock()
	registry.failWith = http.StatusBadGateway
	registry.mu.Unlock()

	artifact, err := registry.client(t).PublishedArtifact(context.Background(), "exchangeunion/xud", "latest")
	if err == nil {
		t.Fatalf("PublishedArtifact = %+v, nil; want error", artifact)
	}
	var apiError *APIError
	if !errors.As(err, &apiError) || apiError.StatusCode != http.StatusBadGateway {
		t.Errorf("error = %v, want APIError 502", err)
	}
}

func TestInspectTag(t *testing.T) {
	registry := newFakeRegistry(t)
	amd64Manifest, _ := registry.addImage("exchangeunion/xud", "", provenanceLabels("r1", "a1"), "amd64")
	arm64Manifest, _ := registry.addImage("exchangeunion/xud", "", provenanceLabels("r1", "a1"), "arm64")
	attestation, _ := registry.addImage("exchangeunion/xud", "", nil, "unknown")
	registry.addList("exchangeunion/xud", "1.0.0", map[string]digest.Digest{
		"amd64": amd64Manifest, "arm64": arm64Manifest, "unknown": attestation,
	})
	registry.addImage("exchangeunion/xud", "1.0.0__x86_64", provenanceLabels("r2", "a2"), "amd64")
	client := registry.client(t)

	images, err := client.InspectTag(context.Background(), "exchangeunion/xud", "1.0.0")
	if err != nil {
		t.Fatalf("InspectTag(list): %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("InspectTag(list) returned %d images, want 2 (attestation skipped): %+v", len(images), images)
	}

	single, err := client.InspectTag(context.Background(), "exchangeunion/xud", "1.0.0__x86_64")
	if err != nil {
		t.Fatalf("InspectTag(single): %v", err)
	}
	if len(single) != 1 {
		t.Fatalf("InspectTag(single) returned %d images", len(single))
	}
	image := single[0]
	if image.Platform != "linux/amd64" {
		t.Errorf("Platform = %q, want linux/amd64", image.Platform)
	}
	if image.Revision != "r2" || image.AppRevision != "a2" || image.Branch != "master" {
		t.Errorf("labels = %+v", image)
	}
	if !strings.HasSuffix(image.BuildURL, "/jobs/1") {
		t.Errorf("BuildURL = %q", image.BuildURL)
	}
	if image.Size <= 3000 {
		t.Errorf("Size = %d, want config + 3000 bytes of layers", image.Size)
	}

	missing, err := client.InspectTag(context.Background(), "exchangeunion/xud", "nope")
	if err != nil || missing != nil {
		t.Errorf("InspectTag(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestNewClient_RequiresHTTPS(t *testing.T) {
	if _, err := NewClient(Config{RegistryURL: "http://registry.local"}); err == nil {
		t.Error("NewClient accepted a plain HTTP registry URL")
	}
	if _, err := NewClient(Config{}); err != nil {
		t.Errorf("NewClient(defaults): %v", err)
	}
}

func TestPublishedArtifact_ReusesTokenUntilExpiry(t *testing.T) {
	registry := newFakeRegistry(t)
	fake := clock.Fake(time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC))
	registry.clock = fake
	registry.addImage("exchangeunion/xud", "latest", provenanceLabels("abc123", "def456"), "amd64")
	registry.addImage("exchangeunion/lnd", "latest", provenanceLabels("abc123", "0a0a0a"), "amd64")
	client := registry.client(t)

	tokenRequests := func() []string {
		registry.mu.Lock()
		defer registry.mu.Unlock()
		return append([]string(nil), registry.scopes...)
	}
	lookup := func(repository string) {
		t.Helper()
		if _, err := client.PublishedArtifact(context.Background(), repository, "latest"); err != nil {
			t.Fatalf("PublishedArtifact(%s): %v", repository, err)
		}
	}

	lookup("exchangeunion/xud")
	lookup("exchangeunion/xud")
	if _, err := client.InspectTag(context.Background(), "exchangeunion/xud", "latest"); err != nil {
		t.Fatalf("InspectTag: %v", err)
	}
	if got := tokenRequests(); len(got) != 1 {
		t.Fatalf("token requests = %v, want one for exchangeunion/xud", got)
	}

	lookup("exchangeunion/lnd")
	if got := tokenRequests(); len(got) != 2 || got[1] != "repository:exchangeunion/lnd:pull" {
		t.Fatalf("token requests = %v, want a separate lnd scope", got)
	}

	// expires_in is 300s and tokens retire 10s early.
	fake.Advance(289 * time.Second)
	lookup("exchangeunion/xud")
	if got := tokenRequests(); len(got) != 2 {
		t.Fatalf("token requests = %v, want the xud token reused before expiry", got)
	}
	fake.Advance(2 * time.Second)
	lookup("exchangeunion/xud")
	if got := tokenRequests(); len(got) != 3 || got[2] != "repository:exchangeunion/xud:pull" {
		t.Fatalf("token requests = %v, want a fresh xud token after expiry", got)
	}
}
