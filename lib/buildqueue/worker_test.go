// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package buildqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
	"github.com/exchangeunion/xud-docker-bot/lib/process"
	"github.com/exchangeunion/xud-docker-bot/lib/testutil"
)

// fakeTrigger records triggered jobs and fails the ones listed in
// failures.
type fakeTrigger struct {
	mu        sync.Mutex
	triggered []BuildJob
	failures  map[uint64]error
	panics    map[uint64]bool
	block     chan struct{}
}

func (f *fakeTrigger) Trigger(ctx context.Context, job BuildJob) (Receipt, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[job.ID] {
		panic("boom")
	}
	f.triggered = append(f.triggered, job)
	if err := f.failures[job.ID]; err != nil {
		return Receipt{}, err
	}
	return Receipt{RequestID: "req-" + job.Branch, RemainingRequests: 9}, nil
}

func (f *fakeTrigger) ids() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uint64
	for _, job := range f.triggered {
		ids = append(ids, job.ID)
	}
	return ids
}

type outcomes struct {
	triggered chan uint64
	failed    chan error
}

func runWorker(t *testing.T, queue *Queue, trigger Trigger, logger *slog.Logger, timeout time.Duration) (*outcomes, chan error) {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	results := &outcomes{triggered: make(chan uint64, 16), failed: make(chan error, 16)}
	worker := NewWorker(WorkerConfig{
		Queue:      queue,
		Trigger:    trigger,
		JobTimeout: timeout,
		Clock:      clock.Fake(epoch),
		Logger:     logger,
		OnTriggered: func(_ context.Context, job BuildJob, _ Receipt) {
			results.triggered <- job.ID
		},
		OnFailed: func(_ context.Context, job BuildJob, err error) {
			results.failed <- err
		},
	})
	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()
	return results, done
}

func TestWorker_ProcessesInOrderAndSurvivesFailures(t *testing.T) {
	queue := NewQueue(clock.Fake(epoch))
	trigger := &fakeTrigger{failures: map[uint64]error{2: errors.New("travis: HTTP 500")}}

	queue.Enqueue(NewJob{Branch: "master", Images: []string{"xud:latest"}})
	queue.Enqueue(NewJob{Branch: "master", Images: []string{"lnd:latest"}})
	queue.Enqueue(NewJob{Branch: "master", Images: []string{"utils:latest"}})
	queue.Shutdown()

	results, done := runWorker(t, queue, trigger, nil, time.Second)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "worker exit"); err != nil {
		t.Fatalf("Run() = %v, want nil after shutdown signal", err)
	}
	if got := trigger.ids(); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("triggered ids = %v, want [1 2 3]", got)
	}
	if id := testutil.RequireReceive(t, results.triggered, time.Second, "first success"); id != 1 {
		t.Errorf("first success = %d, want 1", id)
	}
	if err := testutil.RequireReceive(t, results.failed, time.Second, "failure"); !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("failure = %v", err)
	}
	if id := testutil.RequireReceive(t, results.triggered, time.Second, "second success"); id != 3 {
		t.Errorf("second success = %d, want 3", id)
	}
}

func TestWorker_DropsEmptyJobs(t *testing.T) {
	queue := NewQueue(clock.Fake(epoch))
	trigger := &fakeTrigger{}

	queue.Enqueue(NewJob{Branch: "master"})
	queue.Enqueue(NewJob{Branch: "master", Images: []string{"xud:latest"}})
	queue.Shutdown()

	_, done := runWorker(t, queue, trigger, nil, time.Second)
	testutil.RequireReceive(t, done, 5*time.Second, "worker exit")

	if got := trigger.ids(); len(got) != 1 || got[0] != 2 {
		t.Errorf("triggered ids = %v, want [2]", got)
	}
}

func TestWorker_LogsCommandStreamsSeparately(t *testing.T) {
	var buffer syncBuffer
	logger := slog.New(slog.NewJSONHandler(&buffer, nil))
	queue := NewQueue(clock.Fake(epoch))
	trigger := &fakeTrigger{failures: map[uint64]error{
		1: &process.CommandError{Args: []string{"docker", "push"}, ExitCode: 1, Stdout: "pushing", Stderr: "denied", Err: errors.New("exit status 1")},
	}}

	queue.Enqueue(NewJob{Branch: "master", Images: []string{"xud:latest"}})
	queue.Shutdown()
	_, done := runWorker(t, queue, trigger, logger, time.Second)
	testutil.RequireReceive(t, done, 5*time.Second, "worker exit")

	var found bool
	for _, line := range strings.Split(buffer.String(), "\n") {
		var record map[string]any
		if json.Unmarshal([]byte(line), &record) != nil || record["msg"] != "build trigger failed" {
			continue
		}
		found = true
		if record["stdout"] != "pushing" || record["stderr"] != "denied" {
			t.Errorf("failure record = %v, want separate stdout/stderr", record)
		}
		if record["job_id"] != float64(1) || record["branch"] != "master" {
			t.Errorf("failure record lacks job context: %v", record)
		}
	}
	if !found {
		t.Errorf("no failure record in log:\n%s", buffer.String())
	}
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	queue := NewQueue(clock.Fake(epoch))
	trigger := &fakeTrigger{panics: map[uint64]bool{1: true}}

	queue.Enqueue(NewJob{Images: []string{"a:latest"}})
	queue.Enqueue(NewJob{Images: []string{"b:latest"}})
	queue.Shutdown()

	results, done := runWorker(t, queue, trigger, nil, time.Second)
	testutil.RequireReceive(t, done, 5*time.Second, "worker exit")

	if err := testutil.RequireReceive(t, results.failed, time.Second, "panic failure"); !strings.Contains(err.Error(), "panicked") {
		t.Errorf("failure = %v", err)
	}
	if id := testutil.RequireReceive(t, results.triggered, time.Second, "next job"); id != 2 {
		t.Errorf("next triggered = %d, want 2", id)
	}
}

func TestWorker_JobTimeout(t *testing.T) {
	queue := NewQueue(clock.Fake(epoch))
	trigger := &fakeTrigger{block: make(chan struct{})}

	queue.Enqueue(NewJob{Images: []string{"a:latest"}})
	queue.Shutdown()

	results, done := runWorker(t, queue, trigger, nil, 50*time.Millisecond)
	testutil.RequireReceive(t, done, 5*time.Second, "worker exit")

	if err := testutil.RequireReceive(t, results.failed, time.Second, "timeout failure"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("failure = %v, want deadline exceeded", err)
	}
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	queue := NewQueue(clock.Fake(epoch))
	worker := NewWorker(WorkerConfig{Queue: queue, Trigger: &fakeTrigger{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	cancel()

	if err := testutil.RequireReceive(t, done, 5*time.Second, "worker exit"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}
