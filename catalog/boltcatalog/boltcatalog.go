// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package boltcatalog implements the catalog on top of BoltDB.
//
// Every entity kind lives in its own bucket keyed by id; secondary
// indexes (session token, images and clusters by session) are plain
// buckets of composite keys. All updates run inside a single bolt
// transaction, which gives the required per-document atomicity.
package boltcatalog

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/dupligone/catalog"
)

// Error is the default error class for the boltcatalog package.
var Error = errs.Class("boltcatalog")

var (
	bucketSessions      = []byte("sessions")
	bucketTokens        = []byte("session_tokens")
	bucketImages        = []byte("images")
	bucketImagesBySess  = []byte("images_by_session")
	bucketClusters      = []byte("clusters")
	bucketClustersBySes = []byte("clusters_by_session")
)

const (
	fileMode       = 0600
	defaultTimeout = 1 * time.Second
)

// DB implements catalog.Catalog using a bolt database file.
type DB struct {
	log *zap.Logger
	db  *bolt.DB
}

// New opens or creates the catalog database at path.
func New(log *zap.Logger, path string) (*DB, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketSessions, bucketTokens,
			bucketImages, bucketImagesBySess,
			bucketClusters, bucketClustersBySes,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	return &DB{log: log, db: db}, nil
}

// Close closes the bolt database.
func (c *DB) Close() error { return Error.Wrap(c.db.Close()) }

// Ping verifies the database file is usable.
func (c *DB) Ping(ctx context.Context) error {
	return Error.Wrap(c.db.View(func(tx *bolt.Tx) error { return nil }))
}

// CreateSession stores a new session and its token index entry.
func (c *DB) CreateSession(ctx context.Context, session *catalog.Session) error {
	return Error.Wrap(c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSessions).Put([]byte(session.ID), data); err != nil {
			return err
		}
		if session.Token == "" {
			return nil
		}
		return tx.Bucket(bucketTokens).Put([]byte(session.Token), []byte(session.ID))
	}))
}

// GetSession returns the session with the given id.
func (c *DB) GetSession(ctx context.Context, sessionID string) (*catalog.Session, error) {
	var session *catalog.Session
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		session, err = getSession(tx, sessionID)
		return err
	})
	return session, err
}

// GetSessionByToken resolves the bearer token index.
func (c *DB) GetSessionByToken(ctx context.Context, token string) (*catalog.Session, error) {
	var session *catalog.Session
	err := c.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTokens).Get([]byte(token))
		if id == nil {
			return catalog.ErrNotFound.New("token")
		}
		var err error
		session, err = getSession(tx, string(id))
		return err
	})
	return session, err
}

// ListSessions returns all sessions.
func (c *DB) ListSessions(ctx context.Context) ([]*catalog.Session, error) {
	var sessions []*catalog.Session
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, data []byte) error {
			session := new(catalog.Session)
			if err := json.Unmarshal(data, session); err != nil {
				return err
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	return sessions, Error.Wrap(err)
}

// ListStaleSessions returns sessions created before the cutoff.
func (c *DB) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*catalog.Session, error) {
	all, err := c.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var stale []*catalog.Session
	for _, session := range all {
		if session.CreatedAt.Before(cutoff) {
			stale = append(stale, session)
		}
	}
	return stale, nil
}

// UpdateSession applies fn to the stored session in one transaction.
func (c *DB) UpdateSession(ctx context.Context, sessionID string, fn func(*catalog.Session) error) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		session, err := getSession(tx, sessionID)
		if err != nil {
			return err
		}

		before := session.Status
		if err := fn(session); err != nil {
			return err
		}
		if session.Status != before && !before.CanTransition(session.Status) {
			return catalog.ErrInvalidTransition.New("%s -> %s", before, session.Status)
		}
		session.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(session)
		if err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(tx.Bucket(bucketSessions).Put([]byte(session.ID), data))
	})
}

// CreateImage stores a new image row and its session index entry.
func (c *DB) CreateImage(ctx context.Context, image *catalog.Image) error {
	return Error.Wrap(c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(image)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketImages).Put([]byte(image.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketImagesBySess).Put(indexKey(image.SessionID, image.ID), []byte(image.ID))
	}))
}

// GetImage returns the image with the given id.
func (c *DB) GetImage(ctx context.Context, imageID string) (*catalog.Image, error) {
	var image *catalog.Image
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		image, err = getImage(tx, imageID)
		return err
	})
	return image, err
}

// ListImages returns all images of a session, ordered by id.
func (c *DB) ListImages(ctx context.Context, sessionID string) ([]*catalog.Image, error) {
	var images []*catalog.Image
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEachIndexed(tx, bucketImagesBySess, sessionID, func(id []byte) error {
			image, err := getImage(tx, string(id))
			if err != nil {
				return err
			}
			images = append(images, image)
			return nil
		})
	})
	return images, Error.Wrap(err)
}

// UpdateImage applies fn to the stored image in one transaction.
func (c *DB) UpdateImage(ctx context.Context, imageID string, fn func(*catalog.Image) error) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		image, err := getImage(tx, imageID)
		if err != nil {
			return err
		}
		if err := fn(image); err != nil {
			return err
		}
		data, err := json.Marshal(image)
		if err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(tx.Bucket(bucketImages).Put([]byte(image.ID), data))
	})
}

// CreateCluster stores a new cluster and its session index entry.
func (c *DB) CreateCluster(ctx context.Context, cluster *catalog.Cluster) error {
	return Error.Wrap(c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cluster)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketClusters).Put([]byte(cluster.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketClustersBySes).Put(indexKey(cluster.SessionID, cluster.ID), []byte(cluster.ID))
	}))
}

// ListClusters returns all clusters of a session, ordered by id.
func (c *DB) ListClusters(ctx context.Context, sessionID string) ([]*catalog.Cluster, error) {
	var clusters []*catalog.Cluster
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEachIndexed(tx, bucketClustersBySes, sessionID, func(id []byte) error {
			data := tx.Bucket(bucketClusters).Get(id)
			if data == nil {
				return catalog.ErrNotFound.New("cluster %s", id)
			}
			cluster := new(catalog.Cluster)
			if err := json.Unmarshal(data, cluster); err != nil {
				return err
			}
			clusters = append(clusters, cluster)
			return nil
		})
	})
	return clusters, Error.Wrap(err)
}

// DeleteSessionData removes the session row, its token index and all
// owned images and clusters.
func (c *DB) DeleteSessionData(ctx context.Context, sessionID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		session, err := getSession(tx, sessionID)
		if err != nil {
			return err
		}

		err = forEachIndexed(tx, bucketImagesBySess, sessionID, func(id []byte) error {
			return tx.Bucket(bucketImages).Delete(id)
		})
		if err != nil {
			return Error.Wrap(err)
		}
		err = forEachIndexed(tx, bucketClustersBySes, sessionID, func(id []byte) error {
			return tx.Bucket(bucketClusters).Delete(id)
		})
		if err != nil {
			return Error.Wrap(err)
		}
		if err := deleteIndexed(tx, bucketImagesBySess, sessionID); err != nil {
			return Error.Wrap(err)
		}
		if err := deleteIndexed(tx, bucketClustersBySes, sessionID); err != nil {
			return Error.Wrap(err)
		}

		if session.Token != "" {
			if err := tx.Bucket(bucketTokens).Delete([]byte(session.Token)); err != nil {
				return Error.Wrap(err)
			}
		}
		return Error.Wrap(tx.Bucket(bucketSessions).Delete([]byte(sessionID)))
	})
}

func getSession(tx *bolt.Tx, sessionID string) (*catalog.Session, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
	if data == nil {
		return nil, catalog.ErrNotFound.New("session %s", sessionID)
	}
	session := new(catalog.Session)
	if err := json.Unmarshal(data, session); err != nil {
		return nil, Error.Wrap(err)
	}
	return session, nil
}

func getImage(tx *bolt.Tx, imageID string) (*catalog.Image, error) {
	data := tx.Bucket(bucketImages).Get([]byte(imageID))
	if data == nil {
		return nil, catalog.ErrNotFound.New("image %s", imageID)
	}
	image := new(catalog.Image)
	if err := json.Unmarshal(data, image); err != nil {
		return nil, Error.Wrap(err)
	}
	return image, nil
}

func indexKey(sessionID, id string) []byte {
	return []byte(sessionID + "/" + id)
}

// forEachIndexed walks an index bucket over all entries of a session.
func forEachIndexed(tx *bolt.Tx, bucket []byte, sessionID string, fn func(id []byte) error) error {
	prefix := []byte(sessionID + "/")
	cursor := tx.Bucket(bucket).Cursor()
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// deleteIndexed removes all index entries of a session.
func deleteIndexed(tx *bolt.Tx, bucket []byte, sessionID string) error {
	prefix := []byte(sessionID + "/")
	cursor := tx.Bucket(bucket).Cursor()
	var keys [][]byte
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := tx.Bucket(bucket).Delete(k); err != nil {
			return err
		}
	}
	return nil
}
