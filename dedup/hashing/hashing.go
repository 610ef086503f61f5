// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package hashing computes perceptual fingerprints for images.
//
// A fingerprint is a triple of 64-bit hashes: an average hash, a
// difference hash and a wavelet hash. Hamming distance between
// corresponding hashes correlates with visual similarity rather than
// byte identity, which makes the triple usable for near-duplicate
// grouping after mild rescaling or recompression.
package hashing

import (
	"encoding/json"
	"fmt"
	"image"
	"math/bits"
	"sort"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the hashing package.
	Error = errs.Class("hashing")
)

// Weights applied to the per-hash Hamming distances when combining
// them into a single distance. Average and difference hashes carry
// most of the signal; the wavelet hash breaks ties on rescaled copies.
const (
	weightAverage    = 0.4
	weightDifference = 0.4
	weightWavelet    = 0.2
)

// Record is a composite perceptual hash of a single image.
type Record struct {
	A uint64 // average hash
	D uint64 // difference hash
	W uint64 // wavelet hash
}

// FromImage computes the composite hash from an already decoded image.
// The image is converted to luminance once and shared by all three
// hash functions.
func FromImage(img image.Image) Record {
	return Record{
		A: averageHash(grayGrid(img, 8, 8)),
		D: differenceHash(grayGrid(img, 9, 8)),
		W: waveletHash(grayGrid(img, 16, 16)),
	}
}

// Distance returns the combined distance between two records: the
// weighted mean of the per-hash Hamming distances.
func Distance(a, b Record) float64 {
	return weightAverage*float64(hamming(a.A, b.A)) +
		weightDifference*float64(hamming(a.D, b.D)) +
		weightWavelet*float64(hamming(a.W, b.W))
}

// IsZero reports whether the record is unset.
func (r Record) IsZero() bool {
	return r == Record{}
}

// String implements fmt.Stringer.
func (r Record) String() string {
	return fmt.Sprintf("%016x:%016x:%016x", r.A, r.D, r.W)
}

type recordJSON struct {
	A string `json:"a"`
	D string `json:"d"`
	W string `json:"w"`
}

// MarshalJSON serializes each hash as 16 hex characters.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		A: fmt.Sprintf("%016x", r.A),
		D: fmt.Sprintf("%016x", r.D),
		W: fmt.Sprintf("%016x", r.W),
	})
}

// UnmarshalJSON parses the hex serialization produced by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Error.Wrap(err)
	}
	var parsed Record
	for _, part := range []struct {
		dst *uint64
		hex string
	}{
		{&parsed.A, raw.A},
		{&parsed.D, raw.D},
		{&parsed.W, raw.W},
	} {
		if len(part.hex) != 16 {
			return Error.New("invalid hash width %d", len(part.hex))
		}
		if _, err := fmt.Sscanf(part.hex, "%016x", part.dst); err != nil {
			return Error.Wrap(err)
		}
	}
	*r = parsed
	return nil
}

func hamming(x, y uint64) int {
	return bits.OnesCount64(x ^ y)
}

// averageHash sets a bit for every cell brighter than the grid mean.
func averageHash(grid [][]float64) uint64 {
	var sum float64
	for _, row := range grid {
		for _, v := range row {
			sum += v
		}
	}
	mean := sum / float64(len(grid)*len(grid[0]))

	var hash uint64
	for _, row := range grid {
		for _, v := range row {
			hash <<= 1
			if v > mean {
				hash |= 1
			}
		}
	}
	return hash
}

// differenceHash sets a bit for every horizontal gradient that
// increases left to right. Expects a grid one column wider than the
// number of bits per row.
func differenceHash(grid [][]float64) uint64 {
	var hash uint64
	for _, row := range grid {
		for x := 0; x+1 < len(row); x++ {
			hash <<= 1
			if row[x+1] > row[x] {
				hash |= 1
			}
		}
	}
	return hash
}

// waveletHash applies a one-level 2D Haar transform to a 16x16
// luminance grid and hashes the 8x8 approximation band against its
// median.
func waveletHash(grid [][]float64) uint64 {
	const half = 8

	approx := make([]float64, 0, half*half)
	for y := 0; y < half; y++ {
		for x := 0; x < half; x++ {
			// approximation coefficient of the 2x2 block
			sum := grid[2*y][2*x] + grid[2*y][2*x+1] +
				grid[2*y+1][2*x] + grid[2*y+1][2*x+1]
			approx = append(approx, sum/2)
		}
	}

	sorted := append([]float64(nil), approx...)
	sort.Float64s(sorted)
	median := (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2

	var hash uint64
	for _, v := range approx {
		hash <<= 1
		if v > median {
			hash |= 1
		}
	}
	return hash
}

// grayGrid downsamples the image into a w x h luminance grid using box
// sampling. Luminance follows Rec. 601.
func grayGrid(img image.Image, w, h int) [][]float64 {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	grid := make([][]float64, h)
	for gy := 0; gy < h; gy++ {
		grid[gy] = make([]float64, w)
		for gx := 0; gx < w; gx++ {
			x0 := bounds.Min.X + gx*srcW/w
			x1 := bounds.Min.X + (gx+1)*srcW/w
			y0 := bounds.Min.Y + gy*srcH/h
			y1 := bounds.Min.Y + (gy+1)*srcH/h
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}

			var sum float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					r, g, b, _ := img.At(x, y).RGBA()
					sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
				}
			}
			grid[gy][gx] = sum / float64((x1-x0)*(y1-y0))
		}
	}
	return grid
}
