// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package hashing_test

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/dupligone/dedup/hashing"
)

func horizontalGradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func verticalGradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(y * 255 / (h - 1))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestFromImageDeterministic(t *testing.T) {
	img := horizontalGradient(256, 192)

	first := hashing.FromImage(img)
	second := hashing.FromImage(img)

	require.Equal(t, first, second)
	require.False(t, first.IsZero())
}

func TestDistanceProperties(t *testing.T) {
	a := hashing.FromImage(horizontalGradient(256, 192))
	b := hashing.FromImage(verticalGradient(256, 192))

	require.Zero(t, hashing.Distance(a, a))
	require.Equal(t, hashing.Distance(a, b), hashing.Distance(b, a))
	require.Greater(t, hashing.Distance(a, b), 0.0)
}

func TestReencodedImageStaysClose(t *testing.T) {
	original := horizontalGradient(256, 192)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, original, &jpeg.Options{Quality: 90}))
	decoded, err := jpeg.Decode(&buf)
	require.NoError(t, err)

	near := hashing.Distance(hashing.FromImage(original), hashing.FromImage(decoded))
	far := hashing.Distance(hashing.FromImage(original), hashing.FromImage(verticalGradient(256, 192)))

	require.LessOrEqual(t, near, 10.0)
	require.Less(t, near, far)
}

func TestRecordJSONRoundTrip(t *testing.T) {
	record := hashing.FromImage(verticalGradient(128, 128))

	data, err := json.Marshal(record)
	require.NoError(t, err)

	var decoded hashing.Record
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, record, decoded)
}

func TestRecordJSONRejectsBadWidth(t *testing.T) {
	var record hashing.Record
	err := json.Unmarshal([]byte(`{"a":"0f","d":"00000000000000ff","w":"00000000000000ff"}`), &record)
	require.Error(t, err)
}
