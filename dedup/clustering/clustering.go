// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package clustering groups perceptually similar images.
//
// The engine builds a pairwise combined-distance matrix over hash
// records, picks a radius from the elbow of the k-distance curve and
// runs DBSCAN over the precomputed matrix. Noise points and singleton
// clusters come back as unclustered images.
package clustering

import (
	"math"
	"sort"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/dupligone/dedup/hashing"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the clustering package.
	Error = errs.Class("clustering")
)

// fallbackRadius is used when the input is too small for a meaningful
// k-distance curve.
const fallbackRadius = 0.5

const noise = -1

// Config holds clustering parameters.
type Config struct {
	MinSamples int `help:"minimum neighborhood size for a DBSCAN core point" default:"2"`
}

// Partition is the result of one clustering run over n inputs,
// expressed in input indices.
type Partition struct {
	// Clusters are the groups of size >= 2, in order of first member.
	Clusters [][]int
	// Unclustered are noise points and singleton groups.
	Unclustered []int
	// Radius is the distance threshold the run actually used.
	Radius float64
}

// Run clusters the given hash records.
func Run(records []hashing.Record, config Config) Partition {
	n := len(records)
	if n == 0 {
		return Partition{Radius: fallbackRadius}
	}
	if n == 1 {
		return Partition{Unclustered: []int{0}, Radius: fallbackRadius}
	}

	minSamples := config.MinSamples
	if minSamples < 2 {
		minSamples = 2
	}

	matrix := distanceMatrix(records)
	radius := selectRadius(matrix)
	labels := dbscan(matrix, radius, minSamples)

	return shape(labels, radius)
}

// distanceMatrix builds the symmetric pairwise combined-distance
// matrix with a zero diagonal.
func distanceMatrix(records []hashing.Record) [][]float64 {
	n := len(records)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := hashing.Distance(records[i], records[j])
			matrix[i][j] = d
			matrix[j][i] = d
		}
	}
	return matrix
}

// selectRadius picks the DBSCAN radius from the elbow of the sorted
// k-nearest-neighbor distance curve. Tiny inputs fall back to a fixed
// radius; a curve without a detectable elbow falls back to its 90th
// percentile, then its median.
func selectRadius(matrix [][]float64) float64 {
	n := len(matrix)
	if n < 4 {
		return fallbackRadius
	}

	curve := kDistanceCurve(matrix, min(4, n-1))

	if idx, ok := elbowIndex(curve); ok {
		return curve[idx]
	}
	if eps := percentile(curve, 90); eps > 0 {
		return eps
	}
	return percentile(curve, 50)
}

// kDistanceCurve returns, sorted ascending, the k-th smallest entry
// of every matrix row. The zero self-distance counts, matching the
// usual nearest-neighbor convention.
func kDistanceCurve(matrix [][]float64, k int) []float64 {
	n := len(matrix)
	curve := make([]float64, 0, n)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		copy(row, matrix[i])
		sort.Float64s(row)
		// the k-th smallest entry of the row, counting the zero
		// self-distance at row[0]
		curve = append(curve, row[k-1])
	}
	sort.Float64s(curve)
	return curve
}

// elbowIndex locates the knee of a convex non-decreasing curve as the
// point of maximum distance from the chord between its endpoints.
func elbowIndex(curve []float64) (int, bool) {
	n := len(curve)
	if n < 3 {
		return 0, false
	}

	x0, y0 := 0.0, curve[0]
	x1, y1 := float64(n-1), curve[n-1]
	norm := math.Hypot(x1-x0, y1-y0)
	if norm == 0 {
		return 0, false
	}

	best, bestDist := 0, 0.0
	for i := 1; i < n-1; i++ {
		dist := math.Abs((y1-y0)*float64(i)-(x1-x0)*curve[i]+x1*y0-y1*x0) / norm
		if dist > bestDist {
			best, bestDist = i, dist
		}
	}
	if bestDist == 0 {
		return 0, false
	}
	return best, true
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// dbscan labels every point with a cluster id or noise, expanding
// clusters by transitive reachability through core points. Labels are
// assigned in input order.
func dbscan(matrix [][]float64, eps float64, minSamples int) []int {
	n := len(matrix)

	const unvisited = -2
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	neighborsOf := func(i int) []int {
		var hood []int
		for j := 0; j < n; j++ {
			if matrix[i][j] <= eps {
				hood = append(hood, j) // includes i itself
			}
		}
		return hood
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}

		hood := neighborsOf(i)
		if len(hood) < minSamples {
			labels[i] = noise
			continue
		}

		cluster := next
		next++
		labels[i] = cluster

		// expand over the growing frontier
		for k := 0; k < len(hood); k++ {
			j := hood[k]
			if labels[j] == noise {
				labels[j] = cluster // border point
				continue
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster

			reach := neighborsOf(j)
			if len(reach) >= minSamples {
				hood = append(hood, reach...)
			}
		}
	}
	return labels
}

// shape converts DBSCAN labels into the output partition: groups of
// size >= 2 become clusters, everything else is unclustered.
func shape(labels []int, radius float64) Partition {
	groups := make(map[int][]int)
	var order []int
	for i, label := range labels {
		if label == noise {
			continue
		}
		if _, seen := groups[label]; !seen {
			order = append(order, label)
		}
		groups[label] = append(groups[label], i)
	}

	part := Partition{Radius: radius}
	clustered := make(map[int]bool)
	for _, label := range order {
		members := groups[label]
		if len(members) < 2 {
			continue
		}
		part.Clusters = append(part.Clusters, members)
		for _, i := range members {
			clustered[i] = true
		}
	}
	for i := range labels {
		if !clustered[i] {
			part.Unclustered = append(part.Unclustered, i)
		}
	}
	return part
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
