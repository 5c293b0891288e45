// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the two time operations the relay needs:
// reading the current time (job timestamps, webhook dedup windows) and
// waiting (CI rate-limit backoff). Production code injects Real();
// tests inject Fake() and move time forward explicitly.
package clock

import "time"

// Clock is the injectable time source.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}
