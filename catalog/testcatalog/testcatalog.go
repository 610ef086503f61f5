// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testcatalog implements an in-memory catalog for tests.
package testcatalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"storj.io/dupligone/catalog"
)

// Catalog implements catalog.Catalog in memory. Entities are deep
// copied on every boundary so tests cannot share mutable state with
// the store.
type Catalog struct {
	mu sync.Mutex

	sessions map[string]*catalog.Session
	tokens   map[string]string
	images   map[string]*catalog.Image
	clusters map[string]*catalog.Cluster

	// PingErr, when set, is returned from Ping to simulate an
	// unreachable catalog.
	PingErr error
}

// New creates an empty in-memory catalog.
func New() *Catalog {
	return &Catalog{
		sessions: map[string]*catalog.Session{},
		tokens:   map[string]string{},
		images:   map[string]*catalog.Image{},
		clusters: map[string]*catalog.Cluster{},
	}
}

// Close implements catalog.Catalog.
func (c *Catalog) Close() error { return nil }

// Ping implements catalog.Catalog.
func (c *Catalog) Ping(ctx context.Context) error { return c.PingErr }

// CreateSession stores a session.
func (c *Catalog) CreateSession(ctx context.Context, session *catalog.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions[session.ID] = copySession(session)
	c.tokens[session.Token] = session.ID
	return nil
}

// GetSession returns a session by id.
func (c *Catalog) GetSession(ctx context.Context, sessionID string) (*catalog.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, catalog.ErrNotFound.New("session %s", sessionID)
	}
	return copySession(session), nil
}

// GetSessionByToken returns a session by bearer token.
func (c *Catalog) GetSessionByToken(ctx context.Context, token string) (*catalog.Session, error) {
	c.mu.Lock()
	id, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok {
		return nil, catalog.ErrNotFound.New("token")
	}
	return c.GetSession(ctx, id)
}

// ListSessions returns all sessions ordered by id.
func (c *Catalog) ListSessions(ctx context.Context) ([]*catalog.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sessions []*catalog.Session
	for _, session := range c.sessions {
		sessions = append(sessions, copySession(session))
	}
	sort.Slice(sessions, func(i, k int) bool { return sessions[i].ID < sessions[k].ID })
	return sessions, nil
}

// ListStaleSessions returns sessions created before the cutoff.
func (c *Catalog) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*catalog.Session, error) {
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

// UpdateSession applies fn atomically.
func (c *Catalog) UpdateSession(ctx context.Context, sessionID string, fn func(*catalog.Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.sessions[sessionID]
	if !ok {
		return catalog.ErrNotFound.New("session %s", sessionID)
	}

	session := copySession(stored)
	before := session.Status
	if err := fn(session); err != nil {
		return err
	}
	if session.Status != before && !before.CanTransition(session.Status) {
		return catalog.ErrInvalidTransition.New("%s -> %s", before, session.Status)
	}
	session.UpdatedAt = time.Now().UTC()
	c.sessions[sessionID] = session
	return nil
}

// CreateImage stores an image row.
func (c *Catalog) CreateImage(ctx context.Context, image *catalog.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.images[image.ID] = copyImage(image)
	return nil
}

// GetImage returns an image by id.
func (c *Catalog) GetImage(ctx context.Context, imageID string) (*catalog.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	image, ok := c.images[imageID]
	if !ok {
		return nil, catalog.ErrNotFound.New("image %s", imageID)
	}
	return copyImage(image), nil
}

// ListImages returns the session's images ordered by upload time,
// then id.
func (c *Catalog) ListImages(ctx context.Context, sessionID string) ([]*catalog.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var images []*catalog.Image
	for _, image := range c.images {
		if image.SessionID == sessionID {
			images = append(images, copyImage(image))
		}
	}
	sort.Slice(images, func(i, k int) bool {
		if !images[i].UploadTime.Equal(images[k].UploadTime) {
			return images[i].UploadTime.Before(images[k].UploadTime)
		}
		return images[i].ID < images[k].ID
	})
	return images, nil
}

// UpdateImage applies fn atomically.
func (c *Catalog) UpdateImage(ctx context.Context, imageID string, fn func(*catalog.Image) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.images[imageID]
	if !ok {
		return catalog.ErrNotFound.New("image %s", imageID)
	}
	image := copyImage(stored)
	if err := fn(image); err != nil {
		return err
	}
	c.images[imageID] = image
	return nil
}

// CreateCluster stores a cluster row.
func (c *Catalog) CreateCluster(ctx context.Context, cluster *catalog.Cluster) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clusters[cluster.ID] = copyCluster(cluster)
	return nil
}

// ListClusters returns the session's clusters ordered by creation
// time, then id.
func (c *Catalog) ListClusters(ctx context.Context, sessionID string) ([]*catalog.Cluster, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var clusters []*catalog.Cluster
	for _, cluster := range c.clusters {
		if cluster.SessionID == sessionID {
			clusters = append(clusters, copyCluster(cluster))
		}
	}
	sort.Slice(clusters, func(i, k int) bool {
		if !clusters[i].CreatedAt.Equal(clusters[k].CreatedAt) {
			return clusters[i].CreatedAt.Before(clusters[k].CreatedAt)
		}
		return clusters[i].ID < clusters[k].ID
	})
	return clusters, nil
}

// DeleteSessionData removes the session and everything it owns.
func (c *Catalog) DeleteSessionData(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return catalog.ErrNotFound.New("session %s", sessionID)
	}
	for id, image := range c.images {
		if image.SessionID == sessionID {
			delete(c.images, id)
		}
	}
	for id, cluster := range c.clusters {
		if cluster.SessionID == sessionID {
			delete(c.clusters, id)
		}
	}
	delete(c.tokens, session.Token)
	delete(c.sessions, sessionID)
	return nil
}

func copySession(session *catalog.Session) *catalog.Session {
	dup := *session
	dup.Metadata = make(map[string]string, len(session.Metadata))
	for k, v := range session.Metadata {
		dup.Metadata[k] = v
	}
	return &dup
}

func copyImage(image *catalog.Image) *catalog.Image {
	dup := *image
	if image.Hash != nil {
		hash := *image.Hash
		dup.Hash = &hash
	}
	if image.Quality != nil {
		quality := *image.Quality
		dup.Quality = &quality
	}
	if image.DeletedAt != nil {
		at := *image.DeletedAt
		dup.DeletedAt = &at
	}
	return &dup
}

func copyCluster(cluster *catalog.Cluster) *catalog.Cluster {
	dup := *cluster
	dup.MemberImageIDs = append([]string(nil), cluster.MemberImageIDs...)
	return &dup
}
