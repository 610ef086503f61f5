// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testqueue implements an in-memory job queue and status
// store for tests.
package testqueue

import (
	"context"
	"sync"

	"storj.io/dupligone/jobq"
)

// Queue implements jobq.Queue and jobq.StatusStore in memory.
type Queue struct {
	mu       sync.Mutex
	jobs     []jobq.Job
	statuses map[string]jobq.Status

	// PingErr, when set, is returned from Ping to simulate an
	// unreachable broker.
	PingErr error
	// SetErr, when set, is returned from Set to simulate a status
	// store that cannot be written.
	SetErr error
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{statuses: map[string]jobq.Status{}}
}

// Close implements jobq.Queue.
func (q *Queue) Close() error { return nil }

// Ping implements jobq.StatusStore.
func (q *Queue) Ping(ctx context.Context) error { return q.PingErr }

// Enqueue adds a FIFO element.
func (q *Queue) Enqueue(ctx context.Context, job jobq.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

// Dequeue removes the oldest FIFO element.
func (q *Queue) Dequeue(ctx context.Context) (jobq.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return jobq.Job{}, jobq.ErrQueueEmpty.New("")
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Set stores a job status record.
func (q *Queue) Set(ctx context.Context, status jobq.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SetErr != nil {
		return q.SetErr
	}
	q.statuses[status.JobID] = status
	return nil
}

// Get loads a job status record.
func (q *Queue) Get(ctx context.Context, jobID string) (jobq.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	status, ok := q.statuses[jobID]
	if !ok {
		return jobq.Status{}, jobq.ErrJobNotFound.New("%s", jobID)
	}
	return status, nil
}
