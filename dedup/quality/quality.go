// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package quality scores decoded images so that the best shot of a
// near-duplicate cluster can be kept.
package quality

import (
	"image"
	"math"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the quality package.
	Error = errs.Class("quality")
)

// sharpnessCalibration divides the raw Laplacian variance before
// clamping to [0,1]. Sharp handheld photos land around this magnitude.
const sharpnessCalibration = 100.0

// Config holds the weights combining individual metrics into the
// overall score.
type Config struct {
	SharpnessWeight float64 `help:"weight of the sharpness metric in the overall quality score" default:"0.4"`
	ExposureWeight  float64 `help:"weight of the exposure metric in the overall quality score" default:"0.3"`
	FacesWeight     float64 `help:"weight of the face metric in the overall quality score" default:"0.3"`
	Threshold       float64 `help:"overall score below which an image is flagged even outside clusters" default:"0.5"`
}

// Metrics are the per-image quality signals. All values except
// FaceCount are in [0,1].
type Metrics struct {
	Sharpness float64 `json:"sharpness"`
	Exposure  float64 `json:"exposure"`
	Contrast  float64 `json:"contrast"`
	FaceCount int     `json:"face_count"`
	FaceScore float64 `json:"face_score"`
	Overall   float64 `json:"overall"`
}

// Face is a detected face bounding box in pixels.
type Face struct {
	X, Y, W, H int
}

// FaceDetector finds frontal faces in a grayscale plane. Detection is
// a quality signal only; a deployment without a cascade runtime uses
// NopDetector and face metrics stay zero.
type FaceDetector interface {
	Detect(gray [][]float64) []Face
}

// NopDetector reports no faces.
type NopDetector struct{}

// Detect implements FaceDetector.
func (NopDetector) Detect(gray [][]float64) []Face { return nil }

// Engine computes quality metrics for decoded images.
type Engine struct {
	config   Config
	detector FaceDetector
}

// NewEngine creates a quality engine. A nil detector disables face
// metrics.
func NewEngine(config Config, detector FaceDetector) *Engine {
	if detector == nil {
		detector = NopDetector{}
	}
	return &Engine{config: config, detector: detector}
}

// Measure computes all quality metrics for the image. Results are
// deterministic for identical input.
func (engine *Engine) Measure(img image.Image) Metrics {
	gray := grayPlane(img)
	if len(gray) == 0 || len(gray[0]) == 0 {
		return Metrics{}
	}

	var m Metrics
	m.Sharpness = clamp01(laplacianVariance(gray) / sharpnessCalibration)
	m.Exposure = exposureScore(gray)
	m.Contrast = clamp01(stddev(gray) / 50)

	faces := engine.detector.Detect(gray)
	m.FaceCount = len(faces)
	m.FaceScore = faceScore(faces, len(gray[0]), len(gray))

	m.Overall = clamp01(engine.config.SharpnessWeight*m.Sharpness +
		engine.config.ExposureWeight*m.Exposure +
		engine.config.FacesWeight*m.FaceScore)
	return m
}

// BelowThreshold reports whether the overall score falls under the
// configured flagging threshold.
func (engine *Engine) BelowThreshold(m Metrics) bool {
	return m.Overall < engine.config.Threshold
}

// laplacianVariance is the variance of the discrete 4-neighbor
// Laplacian. Higher means sharper.
func laplacianVariance(gray [][]float64) float64 {
	h := len(gray)
	w := len(gray[0])
	if h < 3 || w < 3 {
		return 0
	}

	values := make([]float64, 0, (h-2)*(w-2))
	var sum float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := gray[y-1][x] + gray[y+1][x] + gray[y][x-1] + gray[y][x+1] - 4*gray[y][x]
			values = append(values, lap)
			sum += lap
		}
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(values))
}

// exposureScore scores the grayscale histogram: distance of the mean
// from middle gray, minus a penalty for clipped blacks and whites.
func exposureScore(gray [][]float64) float64 {
	var hist [256]float64
	total := 0
	for _, row := range gray {
		for _, v := range row {
			idx := int(v)
			if idx < 0 {
				idx = 0
			} else if idx > 255 {
				idx = 255
			}
			hist[idx]++
			total++
		}
	}
	if total == 0 {
		return 0
	}

	var mean float64
	for i := range hist {
		hist[i] /= float64(total)
		mean += float64(i) * hist[i]
	}

	score := 1 - math.Abs(mean-128)/128
	penalty := 2 * (hist[0] + hist[255])
	return clamp01(score - penalty)
}

func stddev(gray [][]float64) float64 {
	var sum float64
	n := 0
	for _, row := range gray {
		for _, v := range row {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)

	var variance float64
	for _, row := range gray {
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
	}
	return math.Sqrt(variance / float64(n))
}

// faceScore scores total face area relative to the image area.
// Portraits with faces covering 5-30% of the frame score best.
func faceScore(faces []Face, width, height int) float64 {
	if len(faces) == 0 || width == 0 || height == 0 {
		return 0
	}

	var area int
	for _, f := range faces {
		area += f.W * f.H
	}
	r := float64(area) / float64(width*height)

	switch {
	case r == 0:
		return 0
	case r < 0.05:
		return r / 0.05
	case r <= 0.3:
		return 1
	default:
		return math.Max(0.3, 1-(r-0.3)/0.7)
	}
}

// grayPlane converts the image to a full resolution Rec. 601 luminance
// plane.
func grayPlane(img image.Image) [][]float64 {
	bounds := img.Bounds()
	gray := make([][]float64, bounds.Dy())
	for y := range gray {
		row := make([]float64, bounds.Dx())
		for x := range row {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			row[x] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
		gray[y] = row
	}
	return gray
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
