// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redisq implements the job queue and the job status store on
// redis. The queue is a single list pushed on the left and popped on
// the right; status records are plain keys with a TTL.
package redisq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/zeebo/errs"

	"storj.io/dupligone/jobq"
)

// Error is the default error class for the redisq package.
var Error = errs.Class("redisq")

const (
	queueKey        = "dupligone:jobs"
	statusKeyPrefix = "dupligone:job:"
	statusTTL       = 24 * time.Hour
)

// Client implements jobq.Queue and jobq.StatusStore on one redis
// connection.
type Client struct {
	db *redis.Client
}

// New connects to redis at the given URL and verifies the connection.
func New(address string) (*Client, error) {
	opt, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.New("invalid redis address: %v", err)
	}
	db := redis.NewClient(opt)
	if err := db.Ping().Err(); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &Client{db: db}, nil
}

// Close closes the redis connection.
func (client *Client) Close() error { return Error.Wrap(client.db.Close()) }

// Ping implements jobq.StatusStore.
func (client *Client) Ping(ctx context.Context) error {
	return Error.Wrap(client.db.Ping().Err())
}

// Enqueue adds a FIFO element.
func (client *Client) Enqueue(ctx context.Context, job jobq.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := client.db.LPush(queueKey, data).Err(); err != nil {
		return Error.New("enqueue error: %v", err)
	}
	return nil
}

// Dequeue removes the oldest FIFO element.
func (client *Client) Dequeue(ctx context.Context) (jobq.Job, error) {
	out, err := client.db.RPop(queueKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return jobq.Job{}, jobq.ErrQueueEmpty.New("")
		}
		return jobq.Job{}, Error.New("dequeue error: %v", err)
	}
	var job jobq.Job
	if err := json.Unmarshal(out, &job); err != nil {
		return jobq.Job{}, Error.Wrap(err)
	}
	return job, nil
}

// Set stores a job status record.
func (client *Client) Set(ctx context.Context, status jobq.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(client.db.Set(statusKeyPrefix+status.JobID, data, statusTTL).Err())
}

// Get loads a job status record.
func (client *Client) Get(ctx context.Context, jobID string) (jobq.Status, error) {
	out, err := client.db.Get(statusKeyPrefix + jobID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return jobq.Status{}, jobq.ErrJobNotFound.New("%s", jobID)
		}
		return jobq.Status{}, Error.Wrap(err)
	}
	var status jobq.Status
	if err := json.Unmarshal(out, &status); err != nil {
		return jobq.Status{}, Error.Wrap(err)
	}
	return status, nil
}
