// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package maintenance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"storj.io/dupligone/blobstore"
	"storj.io/dupligone/blobstore/diskstore"
	"storj.io/dupligone/catalog"
	"storj.io/dupligone/catalog/testcatalog"
	"storj.io/dupligone/maintenance"
)

func addSession(t *testing.T, ctx *testcontext.Context, cat *testcatalog.Catalog, id string, status catalog.Status, age time.Duration) *catalog.Session {
	session := &catalog.Session{
		ID:         id,
		Token:      "token-" + id,
		Status:     catalog.StatusUploading,
		CreatedAt:  time.Now().Add(-age),
		BlobPrefix: id,
	}
	require.NoError(t, cat.CreateSession(ctx, session))
	if status != catalog.StatusUploading {
		require.NoError(t, cat.UpdateSession(ctx, id, func(session *catalog.Session) error {
			session.Status = status
			return nil
		}))
	}
	return session
}

func addBlob(t *testing.T, ctx *testcontext.Context, blobs blobstore.Store, prefix, name string) blobstore.Info {
	info, err := blobs.Put(ctx, prefix, name, []byte("data-"+name))
	require.NoError(t, err)
	return info
}

func TestPurgeExpiredSessions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs, err := diskstore.New(ctx.Dir("blobs"))
	require.NoError(t, err)
	cat := testcatalog.New()

	old := addSession(t, ctx, cat, "old", catalog.StatusFailed, 10*24*time.Hour)
	oldBlob := addBlob(t, ctx, blobs, old.BlobPrefix, "a.jpg")
	require.NoError(t, cat.CreateImage(ctx, &catalog.Image{
		ID: "old-img", SessionID: old.ID, BlobName: oldBlob.Key,
	}))

	fresh := addSession(t, ctx, cat, "fresh", catalog.StatusUploading, time.Hour)
	freshBlob := addBlob(t, ctx, blobs, fresh.BlobPrefix, "b.jpg")
	require.NoError(t, cat.CreateImage(ctx, &catalog.Image{
		ID: "fresh-img", SessionID: fresh.ID, BlobName: freshBlob.Key,
	}))

	chore := maintenance.NewChore(zaptest.NewLogger(t), cat, blobs, maintenance.Config{
		Interval:      time.Hour,
		MaxSessionAge: 7 * 24 * time.Hour,
	})
	defer ctx.Check(chore.Close)

	require.NoError(t, chore.RunOnce(ctx))

	_, err = cat.GetSession(ctx, old.ID)
	require.True(t, catalog.ErrNotFound.Has(err))
	_, err = blobs.Get(ctx, oldBlob.Key)
	require.True(t, blobstore.ErrNotFound.Has(err))

	_, err = cat.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	_, err = blobs.Get(ctx, freshBlob.Key)
	require.NoError(t, err)
}

func TestReclaimOrphanedBlobs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs, err := diskstore.New(ctx.Dir("blobs"))
	require.NoError(t, err)
	cat := testcatalog.New()

	// a completed session with one referenced and one orphan blob
	doneSession := addSession(t, ctx, cat, "done", catalog.StatusUploading, time.Hour)
	referenced := addBlob(t, ctx, blobs, doneSession.BlobPrefix, "kept.jpg")
	require.NoError(t, cat.CreateImage(ctx, &catalog.Image{
		ID: "img", SessionID: doneSession.ID, BlobName: referenced.Key,
	}))
	orphanInDone := addBlob(t, ctx, blobs, doneSession.BlobPrefix, "orphan.jpg")
	for _, status := range []catalog.Status{
		catalog.StatusUploaded, catalog.StatusProcessing,
		catalog.StatusClustering, catalog.StatusCompleted,
	} {
		status := status
		require.NoError(t, cat.UpdateSession(ctx, doneSession.ID, func(session *catalog.Session) error {
			session.Status = status
			return nil
		}))
	}

	// an in-flight session whose blob has no image row yet
	live := addSession(t, ctx, cat, "live", catalog.StatusUploading, time.Minute)
	pending := addBlob(t, ctx, blobs, live.BlobPrefix, "pending.jpg")

	// a blob whose session no longer exists
	ghost := addBlob(t, ctx, blobs, "ghost", "lost.jpg")

	chore := maintenance.NewChore(zaptest.NewLogger(t), cat, blobs, maintenance.Config{
		Interval:       time.Hour,
		MaxSessionAge:  7 * 24 * time.Hour,
		ReclaimOrphans: true,
	})
	defer ctx.Check(chore.Close)

	require.NoError(t, chore.RunOnce(ctx))

	_, err = blobs.Get(ctx, referenced.Key)
	require.NoError(t, err)
	_, err = blobs.Get(ctx, pending.Key)
	require.NoError(t, err)

	_, err = blobs.Get(ctx, orphanInDone.Key)
	require.True(t, blobstore.ErrNotFound.Has(err))
	_, err = blobs.Get(ctx, ghost.Key)
	require.True(t, blobstore.ErrNotFound.Has(err))
}
