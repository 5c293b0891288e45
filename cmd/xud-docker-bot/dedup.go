// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
)

// deliveryLog remembers webhook deliveries for a window so redelivered
// payloads are acknowledged without being processed twice.
type deliveryLog struct {
	window time.Duration
	clock  clock.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDeliveryLog(window time.Duration, clk clock.Clock) *deliveryLog {
	return &deliveryLog{window: window, clock: clk, seen: make(map[string]time.Time)}
}

// duplicate records key and reports whether it was already recorded
// within the window. Expired entries are pruned on every call.
func (d *deliveryLog) duplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for seenKey, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, seenKey)
		}
	}
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = now
	return false
}

// forget drops key so its next delivery is processed.
func (d *deliveryLog) forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// bodyKey identifies a delivery that carries no delivery ID of its own.
func bodyKey(source string, body []byte) string {
	hasher := blake3.New()
	hasher.Write([]byte(source))
	hasher.Write([]byte{0})
	hasher.Write(body)
	return source + ":" + hex.EncodeToString(hasher.Sum(nil))
}
