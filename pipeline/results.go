// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/dupligone/catalog"
	"storj.io/dupligone/dedup/quality"
)

// ImageView is the client-facing projection of an image row.
type ImageView struct {
	ImageID           string           `json:"image_id"`
	Filename          string           `json:"filename"`
	BlobURL           string           `json:"blob_url"`
	FileSize          int64            `json:"file_size"`
	UploadTime        time.Time        `json:"upload_time"`
	Quality           *quality.Metrics `json:"quality,omitempty"`
	ClusterID         string           `json:"cluster_id,omitempty"`
	BestInCluster     bool             `json:"is_best_in_cluster"`
	DeleteRecommended bool             `json:"delete_recommended"`
	UserModified      bool             `json:"user_modified"`
	Deleted           bool             `json:"deleted"`
}

// ClusterView is one near-duplicate group in the results payload.
type ClusterView struct {
	ClusterID        string      `json:"cluster_id"`
	ImageCount       int         `json:"image_count"`
	SimilarityRadius float64     `json:"similarity_radius"`
	BestImage        *ImageView  `json:"best_image,omitempty"`
	ImagesToDelete   []ImageView `json:"images_to_delete"`
	AllImages        []ImageView `json:"all_images"`
}

// Results is the full outcome of a completed session.
type Results struct {
	SessionID           string         `json:"session_id"`
	Status              catalog.Status `json:"status"`
	TotalImages         int            `json:"total_images"`
	ProcessedImages     int            `json:"processed_images"`
	ClustersFound       int            `json:"clusters_found"`
	FlaggedForDeletion  int            `json:"images_flagged_for_deletion"`
	Clusters            []ClusterView  `json:"clusters"`
	UniqueImages        []ImageView    `json:"unique_images_list"`
	PotentialSpaceSaved int64          `json:"potential_space_saved"`
}

// DeletionReceipt is the outcome of confirming recommended deletions.
type DeletionReceipt struct {
	SessionID    string `json:"session_id"`
	DeletedCount int    `json:"deleted_count"`
	BytesFreed   int64  `json:"space_freed_bytes"`
}

func imageView(image *catalog.Image) ImageView {
	return ImageView{
		ImageID:           image.ID,
		Filename:          image.OriginalFilename,
		BlobURL:           image.BlobURL,
		FileSize:          image.FileSize,
		UploadTime:        image.UploadTime,
		Quality:           image.Quality,
		ClusterID:         image.ClusterID,
		BestInCluster:     image.BestInCluster,
		DeleteRecommended: image.DeleteRecommended,
		UserModified:      image.UserModified,
		Deleted:           image.Deleted,
	}
}

// Results assembles the cluster and recommendation report for a
// session in any phase. Callers decide whether a non-terminal status
// is acceptable.
func (p *Pipeline) Results(ctx context.Context, sessionID string) (_ *Results, err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := p.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	images, err := p.catalog.ListImages(ctx, sessionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sortImages(images)
	clusters, err := p.catalog.ListClusters(ctx, sessionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	byID := make(map[string]*catalog.Image, len(images))
	for _, image := range images {
		byID[image.ID] = image
	}

	results := &Results{
		SessionID:          session.ID,
		Status:             session.Status,
		TotalImages:        session.TotalImages,
		ProcessedImages:    session.ProcessedImages,
		ClustersFound:      session.ClustersFound,
		FlaggedForDeletion: session.FlaggedForDeletion,
		Clusters:           []ClusterView{},
		UniqueImages:       []ImageView{},
	}

	for _, cluster := range clusters {
		view := ClusterView{
			ClusterID:        cluster.ID,
			ImageCount:       len(cluster.MemberImageIDs),
			SimilarityRadius: cluster.SimilarityRadius,
			ImagesToDelete:   []ImageView{},
			AllImages:        []ImageView{},
		}
		for _, imageID := range cluster.MemberImageIDs {
			image, ok := byID[imageID]
			if !ok {
				continue
			}
			iv := imageView(image)
			view.AllImages = append(view.AllImages, iv)
			if image.ID == cluster.BestImageID {
				best := iv
				view.BestImage = &best
			}
			if image.DeleteRecommended && !image.Deleted {
				view.ImagesToDelete = append(view.ImagesToDelete, iv)
			}
		}
		results.Clusters = append(results.Clusters, view)
	}

	for _, image := range images {
		if image.ClusterID == "" && !image.Deleted {
			results.UniqueImages = append(results.UniqueImages, imageView(image))
		}
		if image.DeleteRecommended && !image.Deleted {
			results.PotentialSpaceSaved += image.FileSize
		}
	}

	return results, nil
}

// FlagImage applies a user override to the deletion recommendation of
// one image.
func (p *Pipeline) FlagImage(ctx context.Context, imageID string, deleteRecommended bool) (_ *catalog.Image, err error) {
	defer mon.Task()(&ctx)(&err)

	err = p.catalog.UpdateImage(ctx, imageID, func(image *catalog.Image) error {
		image.DeleteRecommended = deleteRecommended
		image.UserModified = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.catalog.GetImage(ctx, imageID)
}

// ConfirmDeletions deletes the blobs of every image currently flagged
// for deletion and marks the rows deleted. Re-running it is a no-op
// for already deleted images.
func (p *Pipeline) ConfirmDeletions(ctx context.Context, sessionID string) (_ *DeletionReceipt, err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := p.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	images, err := p.catalog.ListImages(ctx, sessionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	receipt := &DeletionReceipt{SessionID: session.ID}
	for _, image := range images {
		if !image.DeleteRecommended || image.Deleted {
			continue
		}
		// Each image's own blob is removed, whatever cluster it
		// belongs to.
		if err := p.blobs.Delete(ctx, image.BlobName); err != nil {
			return nil, ErrStorage.Wrap(err)
		}
		now := time.Now().UTC()
		err := p.catalog.UpdateImage(ctx, image.ID, func(image *catalog.Image) error {
			image.Deleted = true
			image.DeletedAt = &now
			return nil
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		receipt.DeletedCount++
		receipt.BytesFreed += image.FileSize
	}

	mon.Meter("bytes_freed").Mark64(receipt.BytesFreed)
	p.log.Info("deletions confirmed",
		zap.String("session", session.ID),
		zap.Int("deleted", receipt.DeletedCount),
		zap.Int64("bytes", receipt.BytesFreed))
	return receipt, nil
}

// DeleteImages deletes the named images of a session regardless of
// their recommendation flags. Already deleted images are skipped;
// ids outside the session are rejected.
func (p *Pipeline) DeleteImages(ctx context.Context, sessionID string, imageIDs []string) (_ *DeletionReceipt, err error) {
	defer mon.Task()(&ctx)(&err)

	receipt := &DeletionReceipt{SessionID: sessionID}
	for _, imageID := range imageIDs {
		image, err := p.catalog.GetImage(ctx, imageID)
		if err != nil {
			return nil, err
		}
		if image.SessionID != sessionID {
			return nil, ErrValidation.New("image %s does not belong to session %s", imageID, sessionID)
		}
		if image.Deleted {
			continue
		}
		if err := p.blobs.Delete(ctx, image.BlobName); err != nil {
			return nil, ErrStorage.Wrap(err)
		}
		now := time.Now().UTC()
		err = p.catalog.UpdateImage(ctx, image.ID, func(image *catalog.Image) error {
			image.Deleted = true
			image.DeletedAt = &now
			return nil
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		receipt.DeletedCount++
		receipt.BytesFreed += image.FileSize
	}
	return receipt, nil
}

// DeleteSession removes every blob under the session prefix and then
// all catalog rows of the session.
func (p *Pipeline) DeleteSession(ctx context.Context, sessionID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := p.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	keys, err := p.blobs.List(ctx, session.BlobPrefix)
	if err != nil {
		return ErrStorage.Wrap(err)
	}
	for _, key := range keys {
		if err := p.blobs.Delete(ctx, key); err != nil {
			return ErrStorage.Wrap(err)
		}
	}

	if err := p.catalog.DeleteSessionData(ctx, session.ID); err != nil {
		return Error.Wrap(err)
	}
	p.log.Info("session deleted",
		zap.String("session", session.ID),
		zap.Int("blobs", len(keys)))
	return nil
}
