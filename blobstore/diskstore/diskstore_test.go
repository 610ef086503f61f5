// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package diskstore_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"storj.io/dupligone/blobstore"
	"storj.io/dupligone/blobstore/diskstore"
)

func TestPutGetDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := diskstore.New(ctx.Dir("blobs"))
	require.NoError(t, err)

	data := testrand.Bytes(1024)
	info, err := store.Put(ctx, "session1", "photo.jpg", data)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(info.Key, "session1/"))
	require.True(t, strings.HasSuffix(info.Key, "-photo.jpg"))
	require.Equal(t, int64(len(data)), info.Size)
	require.Equal(t, "session1", blobstore.PrefixOf(info.Key))

	stored, err := store.Get(ctx, info.Key)
	require.NoError(t, err)
	require.Equal(t, data, stored)

	// the URL form resolves to the same blob
	fromURL, err := store.Get(ctx, info.URL)
	require.NoError(t, err)
	require.Equal(t, data, fromURL)

	require.NoError(t, store.Delete(ctx, info.Key))
	_, err = store.Get(ctx, info.Key)
	require.True(t, blobstore.ErrNotFound.Has(err))

	// deleting again is not an error
	require.NoError(t, store.Delete(ctx, info.Key))
}

func TestUniqueKeysForSameFilename(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := diskstore.New(ctx.Dir("blobs"))
	require.NoError(t, err)

	first, err := store.Put(ctx, "s", "dup.jpg", []byte("one"))
	require.NoError(t, err)
	second, err := store.Put(ctx, "s", "dup.jpg", []byte("two"))
	require.NoError(t, err)

	require.NotEqual(t, first.Key, second.Key)

	one, err := store.Get(ctx, first.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), one)
}

func TestListByPrefix(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := diskstore.New(ctx.Dir("blobs"))
	require.NoError(t, err)

	_, err = store.Put(ctx, "a", "1.jpg", []byte("x"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "a", "2.jpg", []byte("y"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "b", "3.jpg", []byte("z"))
	require.NoError(t, err)

	keys, err := store.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, key := range keys {
		require.True(t, strings.HasPrefix(key, "a/"))
	}

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}
