//go:build !hnsw_l2

package search

import "github.com/orneryd/mosaicdb/pkg/math/vector"

// Metric names the distance compiled into the HNSW index.
const Metric = "cosine"

func distance(a, b []float32) float32 {
	return vector.CosineDistance(a, b)
}

// scoreFromDistance maps a cosine distance back to cosine similarity.
func scoreFromDistance(d float32) float64 {
	return 1 - float64(d)
}
