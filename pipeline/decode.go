// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pipeline

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// decodeImage decodes any of the supported upload formats. The format
// registrations above must cover every extension accepted by upload
// validation.
func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Error.New("decoding image: %v", err)
	}
	return img, nil
}
