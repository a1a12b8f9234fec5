// Package vector provides vector math operations for MosaicDB.
//
// This package holds every similarity and distance calculation used by the
// HNSW index and the reranker, so that index-time and rerank-time scores
// always agree.
//
// Main Functions:
//   - CosineSimilarity: Standard similarity for float32 vectors
//   - CosineDistance: 1 - cosine similarity, the default HNSW metric
//   - SquaredL2: Squared Euclidean distance, the alternative HNSW metric
//   - Normalize: Returns normalized copy of vector
package vector

import "math"

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns value in range [-1, 1] where 1 = identical, 0 = orthogonal, -1 = opposite.
// Mismatched lengths, empty inputs and zero vectors yield 0.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := CosineSimilarity(a, b)  // Returns 0.9746318461970762
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProd, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dotProd += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProd / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance returns 1 - CosineSimilarity(a, b), in [0, 2].
func CosineDistance(a, b []float32) float32 {
	return float32(1 - CosineSimilarity(a, b))
}

// SquaredL2 returns the squared Euclidean distance between a and b.
// Mismatched lengths return +Inf.
func SquaredL2(a, b []float32) float32 {
	if len(a) != len(b) {
		return float32(math.Inf(1))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

// Normalize returns a unit-length copy of vec. A zero vector is returned
// unchanged.
func Normalize(vec []float32) []float32 {
	out := make([]float32, len(vec))
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		copy(out, vec)
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
