package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"known value", []float32{1, 2, 3}, []float32{4, 5, 6}, 0.9746318461970762},
		{"length mismatch", []float32{1, 2}, []float32{1}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 3}), 1e-6)
	assert.InDelta(t, 2, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)
}

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, float32(25), SquaredL2([]float32{0, 0}, []float32{3, 4}))
	assert.True(t, math.IsInf(float64(SquaredL2([]float32{0}, []float32{0, 1})), 1))
}

func TestNormalize(t *testing.T) {
	n := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, n[0], 1e-6)
	assert.InDelta(t, 0.8, n[1], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, Normalize(zero))
}
