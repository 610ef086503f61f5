// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package clustering

import (
	"time"
)

// Candidate is a cluster member considered for the representative
// slot.
type Candidate struct {
	ID         string
	Overall    float64
	Sharpness  float64
	FaceCount  int
	UploadTime time.Time
}

// SelectBest returns the index of the cluster representative: the
// highest overall quality, with ties broken by higher sharpness, more
// faces, earlier upload and finally smaller id.
func SelectBest(candidates []Candidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if better(candidates[i], candidates[best]) {
			best = i
		}
	}
	return best
}

func better(a, b Candidate) bool {
	if a.Overall != b.Overall {
		return a.Overall > b.Overall
	}
	if a.Sharpness != b.Sharpness {
		return a.Sharpness > b.Sharpness
	}
	if a.FaceCount != b.FaceCount {
		return a.FaceCount > b.FaceCount
	}
	if !a.UploadTime.Equal(b.UploadTime) {
		return a.UploadTime.Before(b.UploadTime)
	}
	return a.ID < b.ID
}
