// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildqueue holds the in-memory FIFO of build requests and the
// single worker that hands them to CI.
//
// Any goroutine may Enqueue; exactly one Worker consumes. Jobs are
// numbered at enqueue time, starting at 1, with no gaps. Nothing is
// persisted: a restart forgets pending jobs and restarts numbering.
package buildqueue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
)

// Job is a queue entry: either a BuildJob or a ShutdownSignal.
type Job interface {
	isJob()
}

// BuildJob asks CI to build and push images for one branch. It is
// never modified after Enqueue returns it.
type BuildJob struct {
	ID uint64

	Branch string

	// Platforms are docker platform strings, e.g. "linux/amd64".
	Platforms []string

	// Images are image references, e.g. "xud:latest" or "lnd:0.10.2".
	Images []string

	// Justification is the human-readable reason, usually the commit
	// message that caused the build.
	Justification string

	CreatedAt time.Time
}

// ShutdownSignal stops the worker after every job queued before it.
type ShutdownSignal struct{}

func (BuildJob) isJob()       {}
func (ShutdownSignal) isJob() {}

// NewJob is the producer-supplied part of a BuildJob.
type NewJob struct {
	Branch        string
	Platforms     []string
	Images        []string
	Justification string
}

// Queue is an unbounded multi-producer FIFO.
type Queue struct {
	clock clock.Clock

	mu     sync.Mutex
	lastID uint64
	items  []Job

	// wake has capacity 1; a pending token means "items may be
	// non-empty".
	wake chan struct{}
}

// NewQueue returns an empty queue stamping jobs with clk.
func NewQueue(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{clock: clk, wake: make(chan struct{}, 1)}
}

// Enqueue assigns the next ID and appends the job. The returned copy
// is what the worker will see.
func (q *Queue) Enqueue(request NewJob) BuildJob {
	q.mu.Lock()
	q.lastID++
	job := BuildJob{
		ID:            q.lastID,
		Branch:        request.Branch,
		Platforms:     slices.Clone(request.Platforms),
		Images:        slices.Clone(request.Images),
		Justification: request.Justification,
		CreatedAt:     q.clock.Now(),
	}
	q.items = append(q.items, job)
	q.mu.Unlock()

	q.notify()
	return job
}

// Shutdown queues a ShutdownSignal behind every pending job.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.items = append(q.items, ShutdownSignal{})
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Next blocks until an entry is available or ctx is done. Only one
// goroutine may call Next.
func (q *Queue) Next(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
