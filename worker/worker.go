// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package worker runs the background job loop. A worker holds one job
// at a time, polls the queue with backoff while it is empty and
// enforces the per-job time limits.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/dupligone/jobq"
	"storj.io/dupligone/pipeline"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the worker package.
	Error = errs.Class("worker")
)

// Config holds the worker loop settings.
type Config struct {
	PollInterval    time.Duration `help:"initial delay between polls of an empty queue" default:"1s"`
	MaxPollInterval time.Duration `help:"upper bound for the empty queue poll delay" default:"10s"`
	SoftTimeLimit   time.Duration `help:"job duration after which a warning is logged" default:"25m"`
	HardTimeLimit   time.Duration `help:"job duration after which the job is aborted" default:"30m"`
}

// Worker consumes jobs from the queue and executes them through the
// pipeline.
type Worker struct {
	log      *zap.Logger
	pipeline *pipeline.Pipeline
	queue    jobq.Queue
	config   Config
}

// New creates a worker.
func New(log *zap.Logger, pipe *pipeline.Pipeline, queue jobq.Queue, config Config) *Worker {
	return &Worker{
		log:      log,
		pipeline: pipe,
		queue:    queue,
		config:   config,
	}
}

// Run polls the queue until the context is canceled. One job runs at
// a time; the next dequeue happens only after the current job
// finished.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	delay := worker.config.PollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := worker.queue.Dequeue(ctx)
		if err != nil {
			if !jobq.ErrQueueEmpty.Has(err) {
				worker.log.Error("dequeue failed", zap.Error(err))
			}
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			if delay *= 2; delay > worker.config.MaxPollInterval {
				delay = worker.config.MaxPollInterval
			}
			continue
		}
		delay = worker.config.PollInterval

		worker.runJob(ctx, job)
	}
}

// runJob executes one job under the configured time limits. Failures
// are logged and published, never returned: the loop must survive a
// bad job.
func (worker *Worker) runJob(ctx context.Context, job jobq.Job) {
	log := worker.log.With(
		zap.String("job", job.ID),
		zap.String("session", job.SessionID))
	log.Info("job started", zap.String("type", job.Type))

	jobCtx, cancel := context.WithTimeout(ctx, worker.config.HardTimeLimit)
	defer cancel()

	start := time.Now()
	soft := time.AfterFunc(worker.config.SoftTimeLimit, func() {
		log.Warn("job exceeded the soft time limit",
			zap.Duration("limit", worker.config.SoftTimeLimit))
	})
	defer soft.Stop()

	summary, err := worker.pipeline.RunJob(jobCtx, job)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		mon.Meter("jobs_succeeded").Mark(1)
		log.Info("job finished",
			zap.Duration("elapsed", elapsed),
			zap.Int("images", summary.ProcessedImages),
			zap.Int("clusters", summary.ClustersFound))
	case errors.Is(err, context.DeadlineExceeded):
		mon.Meter("jobs_timed_out").Mark(1)
		log.Error("job aborted at the hard time limit",
			zap.Duration("limit", worker.config.HardTimeLimit))
		// The job context is dead; bookkeeping needs a live one.
		worker.pipeline.MarkFailed(context.WithoutCancel(ctx), job.SessionID,
			"job exceeded the hard time limit")
	default:
		mon.Meter("jobs_failed").Mark(1)
		log.Error("job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
