// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package jobq defines background jobs, the FIFO queue they travel
// through and the status records workers publish while running them.
package jobq

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the jobq package.
	Error = errs.Class("jobq")
	// ErrQueueEmpty is returned by Dequeue when no job is waiting.
	ErrQueueEmpty = errs.Class("queue empty")
	// ErrJobNotFound is returned by StatusStore.Get for unknown jobs.
	ErrJobNotFound = errs.Class("job not found")
)

// Job types.
const (
	TypeProcessSession = "process-session"
)

// Job is one unit of background work.
type Job struct {
	ID         string    `json:"job_id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// State of a job as reported to clients.
type State string

// Job states, mirroring what pollers of the job status endpoint
// expect.
const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Status is the progress record of one job.
type Status struct {
	JobID     string            `json:"job_id"`
	State     State             `json:"status"`
	Current   int               `json:"current"`
	Total     int               `json:"total"`
	Result    map[string]string `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Queue is a durable FIFO of jobs shared by the request handlers and
// the worker processes.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue pops the oldest job or fails with ErrQueueEmpty.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

// StatusStore publishes job progress for the status endpoint.
type StatusStore interface {
	Set(ctx context.Context, status Status) error
	Get(ctx context.Context, jobID string) (Status, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}
