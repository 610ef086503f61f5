// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package clustering_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/dupligone/dedup/clustering"
)

func TestSelectBest(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		candidates []clustering.Candidate
		want       int
	}{
		{
			name: "highest overall wins",
			candidates: []clustering.Candidate{
				{ID: "a", Overall: 0.5},
				{ID: "b", Overall: 0.9},
				{ID: "c", Overall: 0.7},
			},
			want: 1,
		},
		{
			name: "sharpness breaks overall tie",
			candidates: []clustering.Candidate{
				{ID: "a", Overall: 0.8, Sharpness: 0.2},
				{ID: "b", Overall: 0.8, Sharpness: 0.9},
			},
			want: 1,
		},
		{
			name: "face count breaks sharpness tie",
			candidates: []clustering.Candidate{
				{ID: "a", Overall: 0.8, Sharpness: 0.5, FaceCount: 0},
				{ID: "b", Overall: 0.8, Sharpness: 0.5, FaceCount: 2},
			},
			want: 1,
		},
		{
			name: "earlier upload breaks face tie",
			candidates: []clustering.Candidate{
				{ID: "a", Overall: 0.8, UploadTime: base.Add(time.Minute)},
				{ID: "b", Overall: 0.8, UploadTime: base},
			},
			want: 1,
		},
		{
			name: "id is the final tie break",
			candidates: []clustering.Candidate{
				{ID: "b", Overall: 0.8, UploadTime: base},
				{ID: "a", Overall: 0.8, UploadTime: base},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, clustering.SelectBest(tt.candidates))
		})
	}
}
