package traversal

import (
	"github.com/orneryd/mosaicdb/pkg/rerank"
)

func toItems(vals []Value) []rerank.Item {
	items := make([]rerank.Item, len(vals))
	for i, v := range vals {
		items[i] = rerank.Item{
			ID:         v.ID(),
			Score:      v.Score,
			Scored:     v.Scored,
			Embedding:  v.Embedding(),
			Properties: v.Properties(),
			Payload:    v,
		}
	}
	return items
}

func fromItem(it rerank.Item) Value {
	v, _ := it.Payload.(Value)
	if it.Scored {
		v = v.WithScore(it.Score)
	}
	return v
}

// rerankWith materializes the stream, applies fn to it and streams the
// result.
func (t *Traversal) rerankWith(fn func([]rerank.Item) ([]rerank.Item, error)) *Traversal {
	return t.g.from(func(yield func(Value, error) bool) {
		vals, err := collect(t.seq)
		if err != nil {
			yield(Value{}, err)
			return
		}
		if len(vals) == 0 {
			return
		}
		items, err := fn(toItems(vals))
		if err != nil {
			yield(Value{}, err)
			return
		}
		for _, it := range items {
			if !yield(fromItem(it), nil) {
				return
			}
		}
	})
}

// RRF fuses this ranked stream with others by Reciprocal Rank Fusion.
// k0 <= 0 selects rerank.DefaultRRFK.
func (t *Traversal) RRF(k0 float64, others ...*Traversal) *Traversal {
	return t.g.from(func(yield func(Value, error) bool) {
		lists := make([][]rerank.Item, 0, len(others)+1)
		for _, tr := range append([]*Traversal{t}, others...) {
			vals, err := collect(tr.seq)
			if err != nil {
				yield(Value{}, err)
				return
			}
			lists = append(lists, toItems(vals))
		}
		fused, err := rerank.RRF(lists, k0)
		if err != nil {
			yield(Value{}, err)
			return
		}
		for _, it := range fused {
			if !yield(fromItem(it), nil) {
				return
			}
		}
	})
}

// MMR diversifies a scored stream down to k values. Every value needs an
// embedding: a vector payload or a node "embedding" property.
func (t *Traversal) MMR(lambda float64, k int) *Traversal {
	return t.rerankWith(func(items []rerank.Item) ([]rerank.Item, error) {
		return rerank.MMR(items, lambda, k)
	})
}

// Normalize rescales scores with method.
func (t *Traversal) Normalize(method rerank.Method) *Traversal {
	return t.rerankWith(func(items []rerank.Item) ([]rerank.Item, error) {
		return rerank.Normalize(items, method)
	})
}

// Boost applies salience, confidence and recency boosts and re-sorts.
func (t *Traversal) Boost(opts rerank.BoostOptions) *Traversal {
	return t.rerankWith(func(items []rerank.Item) ([]rerank.Item, error) {
		return rerank.ApplySignalBoosts(items, opts)
	})
}

// FilterClaims drops claims the policy rejects. Non-claims pass.
func (t *Traversal) FilterClaims(policy rerank.ClaimPolicy) *Traversal {
	return t.rerankWith(func(items []rerank.Item) ([]rerank.Item, error) {
		return rerank.FilterClaims(items, policy), nil
	})
}
