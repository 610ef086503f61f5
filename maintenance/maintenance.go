// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package maintenance implements the periodic cleanup chore. It
// purges sessions past their retention age and reclaims blobs no
// catalog row references anymore.
package maintenance

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"storj.io/dupligone/blobstore"
	"storj.io/dupligone/catalog"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the maintenance package.
	Error = errs.Class("maintenance")
)

// Config holds the cleanup chore settings.
type Config struct {
	Interval       time.Duration `help:"how often the cleanup chore runs" default:"1h"`
	MaxSessionAge  time.Duration `help:"sessions older than this are purged" default:"168h"`
	ReclaimOrphans bool          `help:"remove blobs that no image row references" default:"true"`
}

// Chore periodically purges expired sessions and orphaned blobs.
type Chore struct {
	log     *zap.Logger
	catalog catalog.Catalog
	blobs   blobstore.Store
	config  Config

	Loop *sync2.Cycle
}

// NewChore creates the cleanup chore.
func NewChore(log *zap.Logger, cat catalog.Catalog, blobs blobstore.Store, config Config) *Chore {
	return &Chore{
		log:     log,
		catalog: cat,
		blobs:   blobs,
		config:  config,
		Loop:    sync2.NewCycle(config.Interval),
	}
}

// Run executes the chore on its cycle until the context is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("cleanup pass failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the cycle.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// RunOnce executes a single cleanup pass.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	purged, err := chore.purgeExpired(ctx)
	if err != nil {
		return err
	}

	reclaimed := 0
	if chore.config.ReclaimOrphans {
		reclaimed, err = chore.reclaimOrphans(ctx)
		if err != nil {
			return err
		}
	}

	if purged > 0 || reclaimed > 0 {
		chore.log.Info("cleanup pass done",
			zap.Int("sessions purged", purged),
			zap.Int("blobs reclaimed", reclaimed))
	}
	return nil
}

// purgeExpired removes sessions older than the retention age, blobs
// first so a partial failure never leaves unreachable data.
func (chore *Chore) purgeExpired(ctx context.Context) (purged int, err error) {
	cutoff := time.Now().Add(-chore.config.MaxSessionAge)
	stale, err := chore.catalog.ListStaleSessions(ctx, cutoff)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	for _, session := range stale {
		keys, err := chore.blobs.List(ctx, session.BlobPrefix)
		if err != nil {
			return purged, Error.Wrap(err)
		}
		for _, key := range keys {
			if err := chore.blobs.Delete(ctx, key); err != nil {
				return purged, Error.Wrap(err)
			}
		}
		if err := chore.catalog.DeleteSessionData(ctx, session.ID); err != nil {
			return purged, Error.Wrap(err)
		}
		purged++
		mon.Meter("sessions_purged").Mark(1)
		chore.log.Info("expired session purged",
			zap.String("session", session.ID),
			zap.Time("created", session.CreatedAt))
	}
	return purged, nil
}

// reclaimOrphans deletes blobs whose session is gone, and blobs in
// terminal sessions that no image row references. Blobs of live
// sessions are left alone since an upload may still be inserting its
// rows.
func (chore *Chore) reclaimOrphans(ctx context.Context) (reclaimed int, err error) {
	sessions, err := chore.catalog.ListSessions(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	terminal := map[string]bool{}
	referenced := map[string]bool{}
	for _, session := range sessions {
		terminal[session.ID] = session.Status.Terminal()
		images, err := chore.catalog.ListImages(ctx, session.ID)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		for _, image := range images {
			referenced[image.BlobName] = true
		}
	}

	keys, err := chore.blobs.List(ctx, "")
	if err != nil {
		return 0, Error.Wrap(err)
	}
	for _, key := range keys {
		if referenced[key] {
			continue
		}
		prefix := blobstore.PrefixOf(key)
		isTerminal, exists := terminal[prefix]
		if exists && !isTerminal {
			continue
		}
		if err := chore.blobs.Delete(ctx, key); err != nil {
			return reclaimed, Error.Wrap(err)
		}
		reclaimed++
		mon.Meter("blobs_reclaimed").Mark(1)
	}
	return reclaimed, nil
}
