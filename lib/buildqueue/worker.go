// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package buildqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/exchangeunion/xud-docker-bot/lib/clock"
	"github.com/exchangeunion/xud-docker-bot/lib/process"
)

// Receipt is what CI reports after accepting a build request.
type Receipt struct {
	// RequestID identifies the CI-side request. It is unrelated to
	// BuildJob.ID.
	RequestID string

	// RemainingRequests is the CI quota left, or -1 if unknown.
	RemainingRequests int
}

// Trigger submits one job to CI.
type Trigger interface {
	Trigger(ctx context.Context, job BuildJob) (Receipt, error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue   *Queue
	Trigger Trigger

	// JobTimeout bounds one Trigger call. Defaults to 2 minutes.
	JobTimeout time.Duration

	// OnTriggered and OnFailed, when set, are called after each job
	// on the worker goroutine.
	OnTriggered func(ctx context.Context, job BuildJob, receipt Receipt)
	OnFailed    func(ctx context.Context, job BuildJob, err error)

	// Clock defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Worker is the queue's single consumer.
type Worker struct {
	queue       *Queue
	trigger     Trigger
	jobTimeout  time.Duration
	onTriggered func(context.Context, BuildJob, Receipt)
	onFailed    func(context.Context, BuildJob, error)
	clock       clock.Clock
	logger      *slog.Logger
}

// NewWorker returns a Worker. Queue and Trigger are required.
func NewWorker(config WorkerConfig) *Worker {
	if config.Queue == nil || config.Trigger == nil {
		panic("buildqueue.Worker: Queue and Trigger are required")
	}
	worker := &Worker{
		queue:       config.Queue,
		trigger:     config.Trigger,
		jobTimeout:  config.JobTimeout,
		onTriggered: config.OnTriggered,
		onFailed:    config.OnFailed,
		clock:       config.Clock,
		logger:      config.Logger,
	}
	if worker.clock == nil {
		worker.clock = clock.Real()
	}
	if worker.jobTimeout == 0 {
		worker.jobTimeout = 2 * time.Minute
	}
	if worker.logger == nil {
		worker.logger = slog.Default()
	}
	return worker
}

// Run processes jobs in order until a ShutdownSignal is dequeued
// (returns nil) or ctx is cancelled (returns ctx.Err()). A failing job
// is logged and skipped.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("build worker started")
	for {
		job, err := w.queue.Next(ctx)
		if err != nil {
			w.logger.Info("build worker stopped", "reason", err)
			return err
		}
		switch job := job.(type) {
		case ShutdownSignal:
			w.logger.Info("build worker stopped", "reason", "shutdown signal")
			return nil
		case BuildJob:
			w.execute(ctx, job)
		default:
			panic(fmt.Sprintf("buildqueue: unhandled job type %T", job))
		}
	}
}

func (w *Worker) execute(ctx context.Context, job BuildJob) {
	logger := w.logger.With(
		"job_id", job.ID,
		"branch", job.Branch,
		"images", strings.Join(job.Images, " "),
		"platforms", strings.Join(job.Platforms, ","),
	)
	if len(job.Images) == 0 {
		logger.Warn("dropping build job without images")
		return
	}

	logger.Info("triggering build", "queued_for", w.clock.Now().Sub(job.CreatedAt).Round(time.Millisecond).String())
	receipt, err := w.triggerOne(ctx, job)
	if err != nil {
		attrs := []any{"error", err}
		if commandError, ok := process.AsCommandError(err); ok {
			attrs = append(attrs,
				"exit_code", commandError.ExitCode,
				"stdout", commandError.Stdout,
				"stderr", commandError.Stderr)
		}
		logger.Error("build trigger failed", attrs...)
		if w.onFailed != nil {
			w.onFailed(ctx, job, err)
		}
		return
	}

	logger.Info("build triggered",
		"ci_request_id", receipt.RequestID,
		"remaining_requests", receipt.RemainingRequests)
	if w.onTriggered != nil {
		w.onTriggered(ctx, job, receipt)
	}
}

// triggerOne runs the trigger under the job timeout and converts a
// panic into an error.
func (w *Worker) triggerOne(ctx context.Context, job BuildJob) (receipt Receipt, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("trigger panicked: %v", recovered)
		}
	}()

	receipt, err = w.trigger.Trigger(ctx, job)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("trigger timed out after %s: %w", w.jobTimeout, err)
	}
	return receipt, err
}
