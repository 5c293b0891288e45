// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package github

import "sync"

type etagEntry struct {
	etag string
	page page
}

// etagCache maps request URLs to the last ETag and page seen, so a
// repeated GET can be answered by a 304 that does not count against
// the rate limit. Entries live as long as the Client.
type etagCache struct {
	mu      sync.Mutex
	entries map[string]etagEntry
}

func newETagCache() *etagCache {
	return &etagCache{entries: make(map[string]etagEntry)}
}

func (cache *etagCache) get(url string) string {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.entries[url].etag
}

func (cache *etagCache) page(url string) (page, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	entry, ok := cache.entries[url]
	return entry.page, ok
}

func (cache *etagCache) put(url, etag string, cached page) {
	if etag == "" {
		return
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.entries[url] = etagEntry{etag: etag, page: cached}
}
