// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package diskstore implements the blob store on the local
// filesystem. It mirrors the S3 backend semantics and serves
// development setups and tests.
package diskstore

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/dupligone/blobstore"
)

// Error is the default error class for the diskstore package.
var Error = errs.Class("diskstore")

const urlScheme = "file://"

// Store implements blobstore.Store rooted at a directory. Keys map
// directly to file paths under the root.
type Store struct {
	root string
}

// New creates a disk blob store rooted at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{root: path}, nil
}

// Put implements blobstore.Store.
func (store *Store) Put(ctx context.Context, prefix, filename string, data []byte) (blobstore.Info, error) {
	key := blobstore.UniqueKey(prefix, filename)
	path := filepath.Join(store.root, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return blobstore.Info{}, Error.Wrap(err)
	}

	// write to a temporary name first so concurrent readers never
	// observe partial content
	tmp, err := ioutil.TempFile(filepath.Dir(path), ".partial-")
	if err != nil {
		return blobstore.Info{}, Error.Wrap(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return blobstore.Info{}, Error.Wrap(errs.Combine(err, tmp.Close(), os.Remove(tmp.Name())))
	}
	if err := tmp.Close(); err != nil {
		return blobstore.Info{}, Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return blobstore.Info{}, Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
	}

	return blobstore.Info{
		Key:  key,
		URL:  urlScheme + key,
		Size: int64(len(data)),
	}, nil
}

// Get implements blobstore.Store.
func (store *Store) Get(ctx context.Context, keyOrURL string) ([]byte, error) {
	data, err := ioutil.ReadFile(store.path(keyOrURL))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blobstore.ErrNotFound.Wrap(err)
		}
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// Delete implements blobstore.Store. Deleting a missing object is not
// an error.
func (store *Store) Delete(ctx context.Context, keyOrURL string) error {
	err := os.Remove(store.path(keyOrURL))
	if err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

// List implements blobstore.Store.
func (store *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(store.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".partial-") {
			return nil
		}
		rel, err := filepath.Rel(store.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (store *Store) path(keyOrURL string) string {
	key := strings.TrimPrefix(keyOrURL, urlScheme)
	return filepath.Join(store.root, filepath.FromSlash(key))
}
