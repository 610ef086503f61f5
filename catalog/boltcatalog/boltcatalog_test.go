// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package boltcatalog_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"storj.io/dupligone/catalog"
	"storj.io/dupligone/catalog/boltcatalog"
	"storj.io/dupligone/dedup/hashing"
	"storj.io/dupligone/dedup/quality"
)

func openDB(t *testing.T, ctx *testcontext.Context) *boltcatalog.DB {
	db, err := boltcatalog.New(zaptest.NewLogger(t), filepath.Join(ctx.Dir("catalog"), "catalog.db"))
	require.NoError(t, err)
	return db
}

func TestRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	now := time.Now().UTC().Truncate(time.Microsecond)
	session := &catalog.Session{
		ID:         "s1",
		Token:      "tok",
		Status:     catalog.StatusUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
		BlobPrefix: "s1",
		Metadata:   map[string]string{"origin": "test"},
	}
	require.NoError(t, db.CreateSession(ctx, session))

	stored, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.Token, stored.Token)
	require.Equal(t, session.Metadata, stored.Metadata)
	require.True(t, session.CreatedAt.Equal(stored.CreatedAt))

	byToken, err := db.GetSessionByToken(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, "s1", byToken.ID)

	image := &catalog.Image{
		ID:               "img1",
		SessionID:        "s1",
		OriginalFilename: "photo.jpg",
		ContentType:      "image/jpeg",
		FileSize:         1234,
		UploadTime:       now,
		BlobName:         "s1/u-photo.jpg",
		BlobURL:          "file://s1/u-photo.jpg",
		Hash:             &hashing.Record{A: 1, D: 2, W: 3},
		Quality:          &quality.Metrics{Sharpness: 0.5, Overall: 0.4},
	}
	require.NoError(t, db.CreateImage(ctx, image))

	storedImage, err := db.GetImage(ctx, "img1")
	require.NoError(t, err)
	require.Equal(t, image.Hash, storedImage.Hash)
	require.Equal(t, image.Quality, storedImage.Quality)

	cluster := &catalog.Cluster{
		ID:               "c1",
		SessionID:        "s1",
		MemberImageIDs:   []string{"img1"},
		BestImageID:      "img1",
		SimilarityRadius: 0.5,
		CreatedAt:        now,
	}
	require.NoError(t, db.CreateCluster(ctx, cluster))

	clusters, err := db.ListClusters(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	require.Equal(t, cluster.MemberImageIDs, clusters[0].MemberImageIDs)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := filepath.Join(ctx.Dir("catalog"), "catalog.db")
	log := zaptest.NewLogger(t)

	db, err := boltcatalog.New(log, path)
	require.NoError(t, err)
	require.NoError(t, db.CreateSession(ctx, &catalog.Session{
		ID: "s1", Token: "tok", Status: catalog.StatusUploading,
	}))
	require.NoError(t, db.Close())

	db, err = boltcatalog.New(log, path)
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	session, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "tok", session.Token)
}

func TestUpdateValidatesTransitions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	require.NoError(t, db.CreateSession(ctx, &catalog.Session{
		ID: "s1", Status: catalog.StatusUploading,
	}))

	err := db.UpdateSession(ctx, "s1", func(session *catalog.Session) error {
		session.Status = catalog.StatusCompleted
		return nil
	})
	require.True(t, catalog.ErrInvalidTransition.Has(err))

	require.NoError(t, db.UpdateSession(ctx, "s1", func(session *catalog.Session) error {
		session.Status = catalog.StatusUploaded
		session.TotalImages = 3
		return nil
	}))

	session, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, catalog.StatusUploaded, session.Status)
	require.Equal(t, 3, session.TotalImages)
	require.False(t, session.UpdatedAt.IsZero())
}

func TestListImagesScopedToSession(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	require.NoError(t, db.CreateSession(ctx, &catalog.Session{ID: "s1", Status: catalog.StatusUploading}))
	require.NoError(t, db.CreateSession(ctx, &catalog.Session{ID: "s2", Token: "t2", Status: catalog.StatusUploading}))

	require.NoError(t, db.CreateImage(ctx, &catalog.Image{ID: "a", SessionID: "s1"}))
	require.NoError(t, db.CreateImage(ctx, &catalog.Image{ID: "b", SessionID: "s2"}))
	require.NoError(t, db.CreateImage(ctx, &catalog.Image{ID: "c", SessionID: "s1"}))

	images, err := db.ListImages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, images, 2)
	require.Equal(t, "a", images[0].ID)
	require.Equal(t, "c", images[1].ID)
}

func TestDeleteSessionDataRemovesEverything(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	require.NoError(t, db.CreateSession(ctx, &catalog.Session{ID: "s1", Token: "tok", Status: catalog.StatusUploading}))
	require.NoError(t, db.CreateImage(ctx, &catalog.Image{ID: "a", SessionID: "s1"}))
	require.NoError(t, db.CreateCluster(ctx, &catalog.Cluster{ID: "c1", SessionID: "s1"}))

	require.NoError(t, db.DeleteSessionData(ctx, "s1"))

	_, err := db.GetSession(ctx, "s1")
	require.True(t, catalog.ErrNotFound.Has(err))
	_, err = db.GetSessionByToken(ctx, "tok")
	require.True(t, catalog.ErrNotFound.Has(err))
	_, err = db.GetImage(ctx, "a")
	require.True(t, catalog.ErrNotFound.Has(err))

	images, err := db.ListImages(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, images)
}
