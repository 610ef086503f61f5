// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package blobstore abstracts durable storage of image bytes.
//
// Every object lives under a session-scoped key prefix; the key layout
// is <prefix>/<unique>-<original filename>. Handles returned by Put
// are stable and usable as opaque references.
package blobstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for blob store failures.
	Error = errs.Class("blobstore")
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errs.Class("blob not found")
)

// Info is the canonical handle of a stored object.
type Info struct {
	Key  string // key within the store, prefix included
	URL  string // stable dereferenceable handle
	Size int64
}

// Store is a blob storage backend. Implementations must be safe for
// concurrent use by multiple workers; callers bound their own
// download concurrency to limit peak memory.
type Store interface {
	// Put writes data under prefix/<unique>-<filename> and returns
	// the canonical handle. Overwrite is permitted.
	Put(ctx context.Context, prefix, filename string, data []byte) (Info, error)
	// Get reads a whole object into memory by key or URL.
	Get(ctx context.Context, keyOrURL string) ([]byte, error)
	// Delete removes an object by key or URL. Deleting a missing
	// object is not an error.
	Delete(ctx context.Context, keyOrURL string) error
	// List enumerates keys sharing the prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// UniqueKey builds the canonical object key for an upload. The random
// component keeps repeated uploads of the same filename from
// colliding.
func UniqueKey(prefix, filename string) string {
	return prefix + "/" + uuid.New().String() + "-" + filename
}

// PrefixOf returns the session prefix a key belongs to, or "" when the
// key has no prefix separator.
func PrefixOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return ""
}
