//go:build hnsw_l2

package search

import "github.com/orneryd/mosaicdb/pkg/math/vector"

// Metric names the distance compiled into the HNSW index.
const Metric = "l2"

func distance(a, b []float32) float32 {
	return vector.SquaredL2(a, b)
}

// scoreFromDistance maps a squared L2 distance into (0, 1].
func scoreFromDistance(d float32) float64 {
	return 1 / (1 + float64(d))
}
