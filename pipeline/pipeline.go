// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pipeline orchestrates a deduplication session from upload
// through processing and clustering to completion.
//
// The orchestrator owns the session state machine. Request handlers
// call the short synchronous operations (session creation, upload,
// deletion); the heavy phases run as background jobs executed by the
// worker runtime.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"

	"storj.io/dupligone/blobstore"
	"storj.io/dupligone/catalog"
	"storj.io/dupligone/dedup/clustering"
	"storj.io/dupligone/dedup/quality"
	"storj.io/dupligone/jobq"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the pipeline package.
	Error = errs.Class("pipeline")
	// ErrValidation is returned for rejected uploads and malformed
	// requests. It never transitions session state.
	ErrValidation = errs.Class("validation")
	// ErrStorage is returned when the blob store fails after retries.
	ErrStorage = errs.Class("storage")
)

// Config holds the orchestrator settings.
type Config struct {
	MaxUploadSize     memory.Size `help:"maximum size of a single uploaded file" default:"50MiB"`
	MaxUploadFiles    int         `help:"maximum number of files in one upload" default:"100"`
	AllowedExtensions string      `help:"comma separated list of accepted file extensions" default:"jpg,jpeg,png,gif,bmp,tiff,webp"`

	Concurrency    int `help:"number of images processed concurrently within a job" default:"4"`
	StorageRetries int `help:"attempts for a failing blob store operation" default:"3"`

	Quality    quality.Config
	Clustering clustering.Config
}

// Pipeline coordinates the blob store, the catalog and the job queue.
type Pipeline struct {
	log     *zap.Logger
	catalog catalog.Catalog
	blobs   blobstore.Store
	queue   jobq.Queue
	status  jobq.StatusStore
	quality *quality.Engine
	config  Config
}

// New creates the orchestrator.
func New(log *zap.Logger, cat catalog.Catalog, blobs blobstore.Store, queue jobq.Queue, status jobq.StatusStore, config Config) *Pipeline {
	return &Pipeline{
		log:     log,
		catalog: cat,
		blobs:   blobs,
		queue:   queue,
		status:  status,
		quality: quality.NewEngine(config.Quality, nil),
		config:  config,
	}
}

// CreateSession inserts a fresh session in the uploading phase and
// returns it together with its bearer token.
func (p *Pipeline) CreateSession(ctx context.Context) (_ *catalog.Session, err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	session := &catalog.Session{
		ID:         uuid.New().String(),
		Token:      uuid.New().String(),
		Status:     catalog.StatusUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
		BlobPrefix: "",
		Metadata:   map[string]string{},
	}
	session.BlobPrefix = session.ID

	if err := p.catalog.CreateSession(ctx, session); err != nil {
		return nil, Error.Wrap(err)
	}
	p.log.Info("session created", zap.String("session", session.ID))
	return session, nil
}

// File is one uploaded file.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// UploadedFile describes one stored file in the upload response.
type UploadedFile struct {
	ImageID  string `json:"image_id"`
	Filename string `json:"filename"`
	BlobURL  string `json:"blob_url"`
	FileSize int64  `json:"file_size"`
}

// UploadResult is the outcome of a successful upload.
type UploadResult struct {
	SessionID  string         `json:"session_id"`
	Uploaded   []UploadedFile `json:"uploaded_files"`
	TotalFiles int            `json:"total_files"`
	JobID      string         `json:"job_id"`
	Status     catalog.Status `json:"status"`
}

// Upload validates and stores a batch of files, inserts their image
// rows, advances the session to uploaded and enqueues the processing
// job. Validation failures reject the whole batch and leave the
// session in the uploading phase.
func (p *Pipeline) Upload(ctx context.Context, sessionID string, files []File) (_ *UploadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := p.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != catalog.StatusUploading {
		return nil, ErrValidation.New("session is %s, uploads are closed", session.Status)
	}

	if err := p.validate(files); err != nil {
		return nil, err
	}

	result := &UploadResult{SessionID: session.ID}
	for _, file := range files {
		info, err := p.putWithRetry(ctx, session.BlobPrefix, file)
		if err != nil {
			p.failSession(ctx, session.ID, "upload: "+file.Name+": "+err.Error())
			return nil, ErrStorage.New("storing %s: %v", file.Name, err)
		}

		image := &catalog.Image{
			ID:               uuid.New().String(),
			SessionID:        session.ID,
			OriginalFilename: file.Name,
			ContentType:      file.ContentType,
			FileSize:         int64(len(file.Data)),
			UploadTime:       time.Now().UTC(),
			BlobName:         info.Key,
			BlobURL:          info.URL,
		}
		if err := p.catalog.CreateImage(ctx, image); err != nil {
			p.failSession(ctx, session.ID, "catalog: "+err.Error())
			return nil, Error.Wrap(err)
		}
		result.Uploaded = append(result.Uploaded, UploadedFile{
			ImageID:  image.ID,
			Filename: image.OriginalFilename,
			BlobURL:  image.BlobURL,
			FileSize: image.FileSize,
		})
	}

	err = p.catalog.UpdateSession(ctx, session.ID, func(session *catalog.Session) error {
		session.Status = catalog.StatusUploaded
		session.TotalImages = len(result.Uploaded)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	result.TotalFiles = len(result.Uploaded)
	result.Status = catalog.StatusUploaded

	job := jobq.Job{
		ID:         uuid.New().String(),
		Type:       jobq.TypeProcessSession,
		SessionID:  session.ID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		p.failSession(ctx, session.ID, "enqueue: "+err.Error())
		return nil, Error.Wrap(err)
	}
	p.publishStatus(ctx, jobq.Status{
		JobID:     job.ID,
		State:     jobq.StatePending,
		Total:     len(result.Uploaded),
		UpdatedAt: time.Now().UTC(),
	})

	result.JobID = job.ID
	p.log.Info("upload accepted",
		zap.String("session", session.ID),
		zap.Int("files", len(result.Uploaded)),
		zap.String("job", job.ID))
	return result, nil
}

func (p *Pipeline) validate(files []File) error {
	if len(files) == 0 {
		return ErrValidation.New("no files provided")
	}
	if len(files) > p.config.MaxUploadFiles {
		return ErrValidation.New("too many files: %d > %d", len(files), p.config.MaxUploadFiles)
	}

	allowed := map[string]bool{}
	for _, ext := range strings.Split(p.config.AllowedExtensions, ",") {
		allowed[strings.TrimSpace(strings.ToLower(ext))] = true
	}

	for _, file := range files {
		if !strings.HasPrefix(file.ContentType, "image/") {
			return ErrValidation.New("%s is not an image (%s)", file.Name, file.ContentType)
		}
		if int64(len(file.Data)) > p.config.MaxUploadSize.Int64() {
			return ErrValidation.New("%s exceeds the %s size limit", file.Name, p.config.MaxUploadSize)
		}
		if ext := extension(file.Name); !allowed[ext] {
			return ErrValidation.New("%s has unsupported extension %q", file.Name, ext)
		}
	}
	return nil
}

func extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

// putWithRetry stores a blob with bounded exponential backoff.
func (p *Pipeline) putWithRetry(ctx context.Context, prefix string, file File) (info blobstore.Info, err error) {
	err = p.retryStorage(ctx, func() error {
		var putErr error
		info, putErr = p.blobs.Put(ctx, prefix, file.Name, file.Data)
		return putErr
	})
	return info, err
}

func (p *Pipeline) retryStorage(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < p.config.StorageRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if blobstore.ErrNotFound.Has(err) {
			return err
		}
		if !sleep(ctx, backoff) {
			return errs.Combine(err, ctx.Err())
		}
		backoff *= 2
	}
	return err
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

// MarkFailed transitions the session to failed with a diagnostic. The
// worker uses it when a job overruns its hard time limit.
func (p *Pipeline) MarkFailed(ctx context.Context, sessionID, reason string) {
	p.failSession(ctx, sessionID, reason)
}

// failSession transitions the session to failed and records the
// diagnostic. Errors are logged only; the original failure wins.
func (p *Pipeline) failSession(ctx context.Context, sessionID, message string) {
	err := p.catalog.UpdateSession(ctx, sessionID, func(session *catalog.Session) error {
		session.Status = catalog.StatusFailed
		if session.Metadata == nil {
			session.Metadata = map[string]string{}
		}
		session.Metadata["error"] = message
		return nil
	})
	if err != nil {
		p.log.Error("failed to mark session failed",
			zap.String("session", sessionID), zap.Error(err))
	}
}
