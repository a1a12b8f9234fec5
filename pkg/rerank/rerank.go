// Package rerank fuses and reorders scored result lists.
//
// The pipeline stages are independent functions over []Item:
//
//   - RRF merges several ranked lists into one by rank position.
//   - MMR trades relevance for diversity using item embeddings.
//   - Normalize rescales scores (min-max, sum or z-score).
//   - ApplySignalBoosts multiplies scores by salience, confidence and recency.
//   - FilterClaims drops claim nodes that fail a ClaimPolicy.
//
// ELI12:
//
// Imagine three friends each give you their top-10 movie list. RRF is how you
// combine them: a movie that shows up near the top of every list beats one
// that is #1 on a single list. MMR then makes sure your final list is not ten
// sequels of the same film. Boosts are the "but this one is newer" nudges.
package rerank

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/orneryd/mosaicdb/pkg/math/vector"
	"github.com/orneryd/mosaicdb/pkg/storage"
)

// Reranker errors.
var (
	ErrMissingScore      = errors.New("rerank: item has no score")
	ErrDimensionMismatch = errors.New("rerank: embedding dimension mismatch")
	ErrEmptyInput        = errors.New("rerank: empty input")
)

// DefaultRRFK is the standard RRF smoothing constant.
const DefaultRRFK = 60

// Item is one scored candidate.
type Item struct {
	ID storage.ID

	// Score is meaningful only when Scored is set.
	Score  float64
	Scored bool

	// Embedding is used by MMR.
	Embedding []float32

	// Properties feed signal boosts and the claim filter.
	Properties map[string]storage.Value

	// Payload is carried through untouched (the traversal value the item
	// was built from).
	Payload any
}

// byScoreDesc orders by descending score, then ascending id.
func byScoreDesc(a, b Item) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	return a.ID.Compare(b.ID)
}

// SortByScore sorts items descending by score with ties broken by ascending
// id.
func SortByScore(items []Item) {
	slices.SortStableFunc(items, byScoreDesc)
}

func requireScores(items []Item) error {
	for _, it := range items {
		if !it.Scored {
			return fmt.Errorf("%w: %s", ErrMissingScore, it.ID)
		}
	}
	return nil
}

// =============================================================================
// RRF
// =============================================================================

// RRF fuses ranked lists with Reciprocal Rank Fusion:
//
//	score(i) = Σ_L 1 / (k0 + rank_L(i))
//
// Ranks are 1-indexed positions; an item absent from a list contributes
// nothing for it. k0 <= 0 selects DefaultRRFK. The first occurrence of an
// item supplies its payload, embedding and properties. Equal fused scores
// order by lower cumulative rank, then ascending id.
//
// Reference: Cormack, Clarke & Buettcher (2009)
func RRF(lists [][]Item, k0 float64) ([]Item, error) {
	if len(lists) == 0 {
		return nil, ErrEmptyInput
	}
	if k0 <= 0 {
		k0 = DefaultRRFK
	}

	index := make(map[storage.ID]int)
	// rankSum is the cumulative rank of an item over the lists holding it.
	rankSum := make(map[storage.ID]int)
	var fused []Item
	for _, list := range lists {
		seen := make(map[storage.ID]struct{}, len(list))
		for pos, it := range list {
			// Only the best rank of an item within one list counts.
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			rankSum[it.ID] += pos + 1

			contrib := 1.0 / (k0 + float64(pos+1))
			if i, ok := index[it.ID]; ok {
				fused[i].Score += contrib
				continue
			}
			it.Score = contrib
			it.Scored = true
			index[it.ID] = len(fused)
			fused = append(fused, it)
		}
	}
	slices.SortStableFunc(fused, func(a, b Item) int {
		if a.Score != b.Score {
			return byScoreDesc(a, b)
		}
		if c := cmp.Compare(rankSum[a.ID], rankSum[b.ID]); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	return fused, nil
}

// =============================================================================
// MMR
// =============================================================================

// MMR selects up to k candidates by Maximal Marginal Relevance:
//
//	MMR(i) = λ × relevance(i) − (1−λ) × max_{j ∈ selected} cos(i, j)
//
// Relevance is the item score. Selection starts from the highest scored
// candidate. λ = 1 is plain relevance order; λ = 0 picks the candidate least
// similar to what is already selected. k <= 0 keeps every candidate.
//
// Reference: Carbonell & Goldstein (1998)
func MMR(cands []Item, lambda float64, k int) ([]Item, error) {
	if len(cands) == 0 {
		return nil, ErrEmptyInput
	}
	if err := requireScores(cands); err != nil {
		return nil, err
	}
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("rerank: lambda %v outside [0,1]", lambda)
	}
	dim := len(cands[0].Embedding)
	for _, c := range cands {
		if len(c.Embedding) != dim || dim == 0 {
			return nil, fmt.Errorf("%w: %s has %d dimensions, want %d",
				ErrDimensionMismatch, c.ID, len(c.Embedding), dim)
		}
	}
	if k <= 0 || k > len(cands) {
		k = len(cands)
	}

	remaining := slices.Clone(cands)
	SortByScore(remaining)

	selected := make([]Item, 0, k)
	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	// maxSim[i] tracks max similarity of remaining[i] to the selected set.
	maxSim := make([]float64, len(remaining))
	for i := range remaining {
		maxSim[i] = vector.CosineSimilarity(remaining[i].Embedding, selected[0].Embedding)
	}

	for len(selected) < k && len(remaining) > 0 {
		best := 0
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			score := lambda*c.Score - (1-lambda)*maxSim[i]
			// remaining stays in score order, so the first maximum wins ties.
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		pick := remaining[best]
		selected = append(selected, pick)
		remaining = slices.Delete(remaining, best, best+1)
		maxSim = slices.Delete(maxSim, best, best+1)
		for i := range remaining {
			maxSim[i] = max(maxSim[i], vector.CosineSimilarity(remaining[i].Embedding, pick.Embedding))
		}
	}
	return selected, nil
}

// =============================================================================
// Normalization
// =============================================================================

// Method selects a score normalization.
type Method int

const (
	// MinMax maps scores to (s-min)/(max-min).
	MinMax Method = iota
	// Sum divides each score by the sum of scores.
	Sum
	// ZScore maps scores to (s-μ)/σ.
	ZScore
)

func (m Method) String() string {
	switch m {
	case MinMax:
		return "minmax"
	case Sum:
		return "sum"
	case ZScore:
		return "zscore"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod maps a method name to its Method.
func ParseMethod(s string) (Method, error) {
	for _, m := range []Method{MinMax, Sum, ZScore} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("rerank: unknown normalization %q", s)
}

// Normalize rescales scores, keeping item order. A degenerate distribution
// (max = min, sum = 0, σ = 0) yields an empty result.
func Normalize(items []Item, method Method) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if err := requireScores(items); err != nil {
		return nil, err
	}
	out := slices.Clone(items)

	switch method {
	case MinMax:
		lo, hi := out[0].Score, out[0].Score
		for _, it := range out[1:] {
			lo, hi = min(lo, it.Score), max(hi, it.Score)
		}
		if hi == lo {
			return nil, nil
		}
		for i := range out {
			out[i].Score = (out[i].Score - lo) / (hi - lo)
		}
	case Sum:
		var sum float64
		for _, it := range out {
			sum += it.Score
		}
		if sum == 0 {
			return nil, nil
		}
		for i := range out {
			out[i].Score /= sum
		}
	case ZScore:
		var mean float64
		for _, it := range out {
			mean += it.Score
		}
		mean /= float64(len(out))
		var variance float64
		for _, it := range out {
			d := it.Score - mean
			variance += d * d
		}
		sigma := math.Sqrt(variance / float64(len(out)))
		if sigma == 0 {
			return nil, nil
		}
		for i := range out {
			out[i].Score = (out[i].Score - mean) / sigma
		}
	default:
		return nil, fmt.Errorf("rerank: unknown normalization %v", method)
	}
	return out, nil
}
