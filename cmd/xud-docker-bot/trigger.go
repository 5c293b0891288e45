// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"strconv"

	"github.com/exchangeunion/xud-docker-bot/lib/buildqueue"
	"github.com/exchangeunion/xud-docker-bot/lib/travis"
)

type travisRequester interface {
	Trigger(ctx context.Context, request travis.TriggerRequest) (*travis.TriggerResult, error)
}

// travisTrigger submits build jobs as Travis build requests.
type travisTrigger struct {
	client travisRequester
}

func (t travisTrigger) Trigger(ctx context.Context, job buildqueue.BuildJob) (buildqueue.Receipt, error) {
	result, err := t.client.Trigger(ctx, travis.TriggerRequest{
		Branch:    job.Branch,
		Message:   job.Justification,
		Images:    job.Images,
		Platforms: job.Platforms,
	})
	if err != nil {
		return buildqueue.Receipt{}, err
	}
	return buildqueue.Receipt{
		RequestID:         strconv.FormatInt(result.RequestID, 10),
		RemainingRequests: result.RemainingRequests,
	}, nil
}
