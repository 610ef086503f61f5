// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package catalog defines the metadata entities of a deduplication
// session and the store that persists them.
//
// A Session owns its Images and Clusters; both are reachable only
// through indexed lookup by session id, never through in-memory
// back-references.
package catalog

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/dupligone/dedup/hashing"
	"storj.io/dupligone/dedup/quality"
)

var (
	// Error is the default error class for catalog failures.
	Error = errs.Class("catalog")
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrInvalidTransition is returned for illegal status changes.
	// The stored status is left unchanged.
	ErrInvalidTransition = errs.Class("invalid status transition")
)

// Status is the lifecycle phase of a session.
type Status string

// Session statuses, one-way through the pipeline. Any phase may fall
// into StatusFailed.
const (
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusClustering Status = "clustering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	if next == StatusFailed {
		return s != StatusFailed
	}
	switch s {
	case StatusUploading:
		return next == StatusUploaded
	case StatusUploaded:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusClustering
	case StatusClustering:
		return next == StatusCompleted
	default:
		return false
	}
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is one user's batch of images: one blob prefix, one catalog
// scope, one pipeline run.
type Session struct {
	ID    string `json:"session_id"`
	Token string `json:"token"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TotalImages        int `json:"total_images"`
	ProcessedImages    int `json:"processed_images"`
	ClustersFound      int `json:"clusters_found"`
	FlaggedForDeletion int `json:"images_flagged_for_deletion"`

	BlobPrefix string `json:"blob_prefix"`

	Metadata map[string]string `json:"metadata"`
}

// Image is a single uploaded photo and everything the pipeline learned
// about it.
type Image struct {
	ID        string `json:"image_id"`
	SessionID string `json:"session_id"`

	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	FileSize         int64     `json:"file_size"`
	UploadTime       time.Time `json:"upload_time"`

	BlobName string `json:"blob_name"`
	BlobURL  string `json:"blob_url"`

	Hash    *hashing.Record  `json:"hash,omitempty"`
	Quality *quality.Metrics `json:"quality,omitempty"`

	ClusterID         string `json:"cluster_id,omitempty"`
	BestInCluster     bool   `json:"is_best_in_cluster"`
	DeleteRecommended bool   `json:"delete_recommended"`
	UserModified      bool   `json:"user_modified"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Cluster is a group of near-duplicate images with a chosen
// representative. Clusters are immutable after creation.
type Cluster struct {
	ID        string `json:"cluster_id"`
	SessionID string `json:"session_id"`

	MemberImageIDs   []string  `json:"member_image_ids"`
	BestImageID      string    `json:"best_image_id"`
	SimilarityRadius float64   `json:"similarity_radius"`
	CreatedAt        time.Time `json:"created_at"`
}

// Catalog persists sessions, images and clusters. Implementations must
// be safe for concurrent use and make single-document updates atomic;
// multi-document transactions are not required.
type Catalog interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// UpdateSession applies fn to the stored session atomically.
	// Status changes made by fn are validated against CanTransition;
	// an illegal change aborts the update with ErrInvalidTransition.
	UpdateSession(ctx context.Context, sessionID string, fn func(*Session) error) error

	CreateImage(ctx context.Context, image *Image) error
	GetImage(ctx context.Context, imageID string) (*Image, error)
	ListImages(ctx context.Context, sessionID string) ([]*Image, error)
	// UpdateImage applies fn to the stored image atomically.
	UpdateImage(ctx context.Context, imageID string, fn func(*Image) error) error

	CreateCluster(ctx context.Context, cluster *Cluster) error
	ListClusters(ctx context.Context, sessionID string) ([]*Cluster, error)

	// DeleteSessionData removes the session and all of its images and
	// clusters. Blob removal is the caller's responsibility.
	DeleteSessionData(ctx context.Context, sessionID string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
