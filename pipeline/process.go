// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"

	"storj.io/dupligone/catalog"
	"storj.io/dupligone/dedup/clustering"
	"storj.io/dupligone/dedup/hashing"
	"storj.io/dupligone/dedup/quality"
	"storj.io/dupligone/jobq"
)

// Progress receives per-image completion updates during the
// processing phase.
type Progress func(current, total int)

// Summary reports what a finished processing job did.
type Summary struct {
	SessionID          string
	TotalImages        int
	ProcessedImages    int
	SkippedImages      int
	ClustersFound      int
	FlaggedForDeletion int
}

// Result returns the summary as the job status result map.
func (s Summary) Result() map[string]string {
	return map[string]string{
		"session_id":       s.SessionID,
		"total_images":     strconv.Itoa(s.TotalImages),
		"processed_images": strconv.Itoa(s.ProcessedImages),
		"skipped_images":   strconv.Itoa(s.SkippedImages),
		"clusters_found":   strconv.Itoa(s.ClustersFound),
		"images_flagged":   strconv.Itoa(s.FlaggedForDeletion),
	}
}

// ProcessSession runs the processing and clustering phases for one
// session and advances it to completed. The progress callback, when
// not nil, fires after every analyzed image.
func (p *Pipeline) ProcessSession(ctx context.Context, sessionID string, progress Progress) (_ Summary, err error) {
	defer mon.Task()(&ctx)(&err)

	summary := Summary{SessionID: sessionID}

	err = p.catalog.UpdateSession(ctx, sessionID, func(session *catalog.Session) error {
		session.Status = catalog.StatusProcessing
		return nil
	})
	if err != nil {
		return summary, Error.Wrap(err)
	}

	images, err := p.catalog.ListImages(ctx, sessionID)
	if err != nil {
		return summary, Error.Wrap(err)
	}
	sortImages(images)
	summary.TotalImages = len(images)

	processed, skipped, fetchFailures := p.analyzeImages(ctx, sessionID, images, progress)
	summary.ProcessedImages = processed
	summary.SkippedImages = len(skipped)

	if len(images) > 0 && fetchFailures == len(images) {
		p.failSession(ctx, sessionID, "no blobs could be fetched")
		return summary, ErrStorage.New("no blobs could be fetched for session %s", sessionID)
	}

	if len(skipped) > 0 {
		err = p.catalog.UpdateSession(ctx, sessionID, func(session *catalog.Session) error {
			if session.Metadata == nil {
				session.Metadata = map[string]string{}
			}
			session.Metadata["skipped"] = strings.Join(skipped, ",")
			return nil
		})
		if err != nil {
			return summary, Error.Wrap(err)
		}
	}

	err = p.catalog.UpdateSession(ctx, sessionID, func(session *catalog.Session) error {
		session.Status = catalog.StatusClustering
		return nil
	})
	if err != nil {
		return summary, Error.Wrap(err)
	}

	clusters, flagged, err := p.clusterImages(ctx, sessionID)
	if err != nil {
		p.failSession(ctx, sessionID, "clustering: "+err.Error())
		return summary, err
	}
	summary.ClustersFound = clusters
	summary.FlaggedForDeletion = flagged

	err = p.catalog.UpdateSession(ctx, sessionID, func(session *catalog.Session) error {
		session.Status = catalog.StatusCompleted
		session.ClustersFound = clusters
		session.FlaggedForDeletion = flagged
		return nil
	})
	if err != nil {
		return summary, Error.Wrap(err)
	}

	mon.IntVal("clusters_found").Observe(int64(clusters))
	p.log.Info("session processed",
		zap.String("session", sessionID),
		zap.Int("images", summary.ProcessedImages),
		zap.Int("skipped", summary.SkippedImages),
		zap.Int("clusters", clusters),
		zap.Int("flagged", flagged))
	return summary, nil
}

// analyzeImages downloads, decodes and measures every image with a
// bounded worker pool. Undecodable images are skipped, not fatal. The
// session's processed counter advances as images complete.
func (p *Pipeline) analyzeImages(ctx context.Context, sessionID string, images []*catalog.Image, progress Progress) (processed int, skipped []string, fetchFailures int) {
	concurrency := p.config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	limiter := sync2.NewLimiter(concurrency)

	var mu sync.Mutex
	current := 0
	total := len(images)

	for _, image := range images {
		image := image
		limiter.Go(ctx, func() {
			err := p.analyzeImage(ctx, image)

			mu.Lock()
			defer mu.Unlock()
			current++
			switch {
			case err == nil:
				processed++
				count := processed
				uerr := p.catalog.UpdateSession(ctx, sessionID, func(session *catalog.Session) error {
					session.ProcessedImages = count
					return nil
				})
				if uerr != nil {
					p.log.Error("failed to record processed count",
						zap.String("session", sessionID), zap.Error(uerr))
				}
			case ErrStorage.Has(err):
				fetchFailures++
				skipped = append(skipped, image.OriginalFilename)
				p.log.Warn("blob fetch failed",
					zap.String("image", image.ID), zap.Error(err))
			default:
				skipped = append(skipped, image.OriginalFilename)
				p.log.Warn("image skipped",
					zap.String("image", image.ID), zap.Error(err))
			}
			if progress != nil {
				progress(current, total)
			}
		})
	}
	limiter.Wait()

	return processed, skipped, fetchFailures
}

// analyzeImage computes the perceptual hashes and the quality metrics
// of one image and stores them on its row. Hashing and quality run
// concurrently on the decoded pixels.
func (p *Pipeline) analyzeImage(ctx context.Context, row *catalog.Image) (err error) {
	defer mon.Task()(&ctx)(&err)

	var data []byte
	err = p.retryStorage(ctx, func() error {
		var getErr error
		data, getErr = p.blobs.Get(ctx, row.BlobName)
		return getErr
	})
	if err != nil {
		return ErrStorage.Wrap(err)
	}

	img, err := decodeImage(data)
	if err != nil {
		return err
	}

	var record hashing.Record
	var metrics quality.Metrics

	var group errgroup.Group
	group.Go(func() error {
		record = hashing.FromImage(img)
		return nil
	})
	group.Go(func() error {
		metrics = p.quality.Measure(img)
		return nil
	})
	if err := group.Wait(); err != nil {
		return Error.Wrap(err)
	}

	mon.Meter("images_processed").Mark(1)
	return p.catalog.UpdateImage(ctx, row.ID, func(image *catalog.Image) error {
		image.Hash = &record
		image.Quality = &metrics
		return nil
	})
}

// clusterImages groups the hashed images of the session, stores the
// cluster rows and flags deletion candidates. It returns the number
// of clusters and of flagged images.
func (p *Pipeline) clusterImages(ctx context.Context, sessionID string) (clusters, flagged int, err error) {
	defer mon.Task()(&ctx)(&err)

	images, err := p.catalog.ListImages(ctx, sessionID)
	if err != nil {
		return 0, 0, Error.Wrap(err)
	}
	sortImages(images)

	var hashed []*catalog.Image
	var records []hashing.Record
	for _, image := range images {
		if image.Hash == nil {
			continue
		}
		hashed = append(hashed, image)
		records = append(records, *image.Hash)
	}

	partition := clustering.Run(records, p.config.Clustering)

	for _, members := range partition.Clusters {
		candidates := make([]clustering.Candidate, 0, len(members))
		memberIDs := make([]string, 0, len(members))
		for _, idx := range members {
			image := hashed[idx]
			memberIDs = append(memberIDs, image.ID)
			candidate := clustering.Candidate{
				ID:         image.ID,
				UploadTime: image.UploadTime,
			}
			if image.Quality != nil {
				candidate.Overall = image.Quality.Overall
				candidate.Sharpness = image.Quality.Sharpness
				candidate.FaceCount = image.Quality.FaceCount
			}
			candidates = append(candidates, candidate)
		}
		best := candidates[clustering.SelectBest(candidates)].ID

		cluster := &catalog.Cluster{
			ID:               uuid.New().String(),
			SessionID:        sessionID,
			MemberImageIDs:   memberIDs,
			BestImageID:      best,
			SimilarityRadius: partition.Radius,
			CreatedAt:        time.Now().UTC(),
		}
		if err := p.catalog.CreateCluster(ctx, cluster); err != nil {
			return 0, 0, Error.Wrap(err)
		}
		clusters++

		for _, idx := range members {
			image := hashed[idx]
			isBest := image.ID == best
			err := p.catalog.UpdateImage(ctx, image.ID, func(image *catalog.Image) error {
				image.ClusterID = cluster.ID
				image.BestInCluster = isBest
				image.DeleteRecommended = !isBest
				return nil
			})
			if err != nil {
				return 0, 0, Error.Wrap(err)
			}
			if !isBest {
				flagged++
			}
		}
	}

	// Unclustered images stay, unless their quality is below the
	// configured threshold.
	for _, idx := range partition.Unclustered {
		image := hashed[idx]
		if image.Quality == nil || !p.quality.BelowThreshold(*image.Quality) {
			continue
		}
		err := p.catalog.UpdateImage(ctx, image.ID, func(image *catalog.Image) error {
			image.DeleteRecommended = true
			return nil
		})
		if err != nil {
			return 0, 0, Error.Wrap(err)
		}
		flagged++
	}

	return clusters, flagged, nil
}

// RunJob executes one dequeued job, publishing status transitions to
// the status store. It is the entry point the worker calls.
func (p *Pipeline) RunJob(ctx context.Context, job jobq.Job) (Summary, error) {
	if job.Type != jobq.TypeProcessSession {
		return Summary{}, Error.New("unknown job type %q", job.Type)
	}

	progress := func(current, total int) {
		p.publishStatus(ctx, jobq.Status{
			JobID:     job.ID,
			State:     jobq.StateProgress,
			Current:   current,
			Total:     total,
			UpdatedAt: time.Now().UTC(),
		})
	}

	summary, err := p.ProcessSession(ctx, job.SessionID, progress)
	if err != nil {
		p.publishStatus(ctx, jobq.Status{
			JobID:     job.ID,
			State:     jobq.StateFailure,
			Error:     err.Error(),
			UpdatedAt: time.Now().UTC(),
		})
		return summary, err
	}

	p.publishStatus(ctx, jobq.Status{
		JobID:     job.ID,
		State:     jobq.StateSuccess,
		Current:   summary.TotalImages,
		Total:     summary.TotalImages,
		Result:    summary.Result(),
		UpdatedAt: time.Now().UTC(),
	})
	return summary, nil
}

// publishStatus writes a job status record. Publishing is best
// effort; a failure is logged and never fails the job itself.
func (p *Pipeline) publishStatus(ctx context.Context, status jobq.Status) {
	if err := p.status.Set(ctx, status); err != nil {
		p.log.Debug("job status publish failed",
			zap.String("job", status.JobID), zap.Error(err))
	}
}

func sortImages(images []*catalog.Image) {
	sort.Slice(images, func(i, k int) bool {
		if !images[i].UploadTime.Equal(images[k].UploadTime) {
			return images[i].UploadTime.Before(images[k].UploadTime)
		}
		return images[i].ID < images[k].ID
	})
}
