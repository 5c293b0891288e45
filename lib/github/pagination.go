// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PageIterator walks a paginated list endpoint by following the Link
// header. It is not safe for concurrent use.
type PageIterator[T any] struct {
	client  *Client
	nextURL string
}

// Next fetches the next page. It returns nil, nil once the last page
// has been consumed.
func (iterator *PageIterator[T]) Next(ctx context.Context) ([]T, error) {
	if iterator.nextURL == "" {
		return nil, nil
	}

	result, err := iterator.client.getWithRetry(ctx, iterator.nextURL, false)
	if err != nil {
		return nil, err
	}
	items := []T{}
	if err := json.Unmarshal(result.body, &items); err != nil {
		return nil, fmt.Errorf("github: decoding %s: %w", iterator.nextURL, err)
	}
	iterator.nextURL = result.next
	return items, nil
}

// Collect fetches every remaining page.
func (iterator *PageIterator[T]) Collect(ctx context.Context) ([]T, error) {
	var all []T
	for {
		items, err := iterator.Next(ctx)
		if err != nil {
			return all, err
		}
		if items == nil {
			return all, nil
		}
		all = append(all, items...)
	}
}

// parseLinkNext returns the rel="next" target of an RFC 8288 Link
// header, or "" on the last page:
//
//	<https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkNext(header string) string {
	for part := range strings.SplitSeq(header, ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
		if !ok || !strings.Contains(params, `rel="next"`) {
			continue
		}
		target = strings.TrimSpace(target)
		if strings.HasPrefix(target, "<") && strings.HasSuffix(target, ">") {
			return target[1 : len(target)-1]
		}
	}
	return ""
}
