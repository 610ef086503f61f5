// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package s3store implements the blob store on any S3-compatible
// object storage service.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"strings"

	minio "github.com/minio/minio-go/v6"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/dupligone/blobstore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the s3store package.
	Error = errs.Class("s3store")
)

// Config holds the connection settings for the object store.
type Config struct {
	Connection string `help:"blob store connection string, e.g. s3://access:secret@host:port?ssl=true" default:""`
	Container  string `help:"bucket holding all session blobs" default:"dupligone"`
}

// Store implements blobstore.Store using the minio S3 client.
type Store struct {
	log    *zap.Logger
	client *minio.Client
	bucket string
	public string // URL base for stored handles
}

// New parses the connection string and verifies the bucket exists,
// creating it when missing.
func New(log *zap.Logger, config Config) (*Store, error) {
	endpoint, access, secret, useSSL, err := parseConnection(config.Connection)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, access, secret, useSSL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	store := &Store{
		log:    log,
		client: client,
		bucket: config.Container,
		public: scheme(useSSL) + "://" + endpoint + "/" + config.Container,
	}

	exists, err := client.BucketExists(store.bucket)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !exists {
		if err := client.MakeBucket(store.bucket, ""); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return store, nil
}

// Put implements blobstore.Store.
func (store *Store) Put(ctx context.Context, prefix, filename string, data []byte) (_ blobstore.Info, err error) {
	defer mon.Task()(&ctx)(&err)

	key := blobstore.UniqueKey(prefix, filename)
	_, err = store.client.PutObjectWithContext(ctx, store.bucket, key,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return blobstore.Info{}, Error.Wrap(err)
	}

	return blobstore.Info{
		Key:  key,
		URL:  store.public + "/" + key,
		Size: int64(len(data)),
	}, nil
}

// Get implements blobstore.Store.
func (store *Store) Get(ctx context.Context, keyOrURL string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := store.client.GetObjectWithContext(ctx, store.bucket, store.key(keyOrURL), minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, object.Close()) }()

	data, err := ioutil.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, blobstore.ErrNotFound.Wrap(err)
		}
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// Delete implements blobstore.Store. Deleting a missing object is not
// an error.
func (store *Store) Delete(ctx context.Context, keyOrURL string) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = store.client.RemoveObject(store.bucket, store.key(keyOrURL))
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return Error.Wrap(err)
	}
	return nil
}

// List implements blobstore.Store.
func (store *Store) List(ctx context.Context, prefix string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	done := make(chan struct{})
	defer close(done)

	var keys []string
	for object := range store.client.ListObjectsV2(store.bucket, prefix, true, done) {
		if object.Err != nil {
			return nil, Error.Wrap(object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// key strips the public URL base from handles so that both keys and
// URLs address the same object.
func (store *Store) key(keyOrURL string) string {
	return strings.TrimPrefix(strings.TrimPrefix(keyOrURL, store.public), "/")
}

// parseConnection splits an s3:// connection string into its parts.
func parseConnection(connection string) (endpoint, access, secret string, useSSL bool, err error) {
	u, err := url.Parse(connection)
	if err != nil {
		return "", "", "", false, Error.New("malformed connection string: %v", err)
	}
	if u.Scheme != "s3" {
		return "", "", "", false, Error.New("unsupported scheme %q", u.Scheme)
	}
	if u.User == nil {
		return "", "", "", false, Error.New("connection string is missing credentials")
	}
	secret, _ = u.User.Password()
	useSSL = u.Query().Get("ssl") != "false"
	return u.Host, u.User.Username(), secret, useSSL, nil
}

func scheme(useSSL bool) string {
	if useSSL {
		return "https"
	}
	return "http"
}

var _ fmt.Stringer = (*Store)(nil)

// String identifies the backend for health reporting.
func (store *Store) String() string {
	return fmt.Sprintf("s3://%s/%s", store.client.EndpointURL().Host, store.bucket)
}
