// Package ppr implements Personalized PageRank expansion over the graph,
// its persistent result cache and the warmup job that keeps hot entries
// precomputed.
//
// The kernel is a push-style random walk with restart. Each seed starts
// with 1/|seeds| of the mass. A node holding residual mass r keeps
// (1-damping)·r as score and pushes damping·r along its out-edges in
// proportion to edge label weights. Mass stops after depth hops.
//
// ELI12:
//
// Drop a bucket of water on the seed node. Each node keeps 15% of what
// reaches it and pours the rest down its pipes. Wide pipes (heavy labels
// like belongs_to) carry more water than thin ones (mentions), and some
// pipes (opposes) are welded shut. After a few rounds, the nodes holding
// the most water are the ones most related to the seed.
package ppr

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/storage"
)

// Defaults.
const (
	DefaultDepth   = 3
	DefaultDamping = 0.85
	DefaultLimit   = 50
	DefaultEpsilon = 1e-9
)

// ErrNoSeeds is returned when a computation has no usable seed.
var ErrNoSeeds = errors.New("ppr: no seeds")

// DefaultEdgeWeights returns the standard label weights. Labels missing
// from a weight map carry no mass.
func DefaultEdgeWeights() map[string]float64 {
	return map[string]float64{
		"belongs_to":      1.0,
		"participates_in": 1.0,
		"attached":        0.8,
		"authored_by":     0.9,
		"mentions":        0.6,
		"about":           0.5,
		"supports":        1.0,
		"opposes":         0.0,
		"claim_of":        1.0,
		"scoped_to":       0.7,
		"supersedes":      0.3,
		"derived_from":    0.2,
		"part_of":         0.8,
	}
}

// MergeWeights overlays overrides on the defaults.
func MergeWeights(overrides map[string]float64) map[string]float64 {
	w := DefaultEdgeWeights()
	maps.Copy(w, overrides)
	return w
}

// Graph is the adjacency the kernel walks.
type Graph interface {
	OutAdjacency(txn *kv.Txn, node storage.ID) ([]storage.Adjacency, error)
	NodeLabel(txn *kv.Txn, id storage.ID) (string, error)
}

// Params configures one computation.
type Params struct {
	// Universe restricts which nodes may hold score. Nil means every node.
	Universe map[storage.ID]struct{}

	Seeds []storage.ID

	// EdgeWeights maps edge label to weight. Nil selects DefaultEdgeWeights.
	EdgeWeights map[string]float64

	Depth     int
	Damping   float64
	Limit     int
	Normalize bool

	// Epsilon drops residual mass below this value.
	Epsilon float64
}

func (p *Params) setDefaults() {
	if p.EdgeWeights == nil {
		p.EdgeWeights = DefaultEdgeWeights()
	}
	if p.Depth <= 0 {
		p.Depth = DefaultDepth
	}
	if p.Damping <= 0 || p.Damping >= 1 {
		p.Damping = DefaultDamping
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Epsilon <= 0 {
		p.Epsilon = DefaultEpsilon
	}
}

// Score is one node's expansion score.
type Score struct {
	ID         storage.ID `json:"id"`
	Score      float64    `json:"score"`
	EntityType string     `json:"entity_type,omitempty"`
}

// Result is the output of Compute.
type Result struct {
	// Scores are sorted descending, ties by ascending id.
	Scores         []Score
	EdgesTraversed int
}

// Contains reports whether id holds a score.
func (r Result) Contains(id storage.ID) bool {
	return slices.ContainsFunc(r.Scores, func(s Score) bool { return s.ID == id })
}

// ScoreOf returns the score of id, or 0.
func (r Result) ScoreOf(id storage.ID) float64 {
	for _, s := range r.Scores {
		if s.ID == id {
			return s.Score
		}
	}
	return 0
}

func inUniverse(u map[storage.ID]struct{}, id storage.ID) bool {
	if u == nil {
		return true
	}
	_, ok := u[id]
	return ok
}

// Compute runs the PPR kernel in txn.
//
// Mass reaching a node outside the universe is absorbed: it neither scores
// nor propagates. Edges with weight 0 carry nothing, so nodes reachable only
// through them get no score.
func Compute(txn *kv.Txn, g Graph, p Params) (Result, error) {
	p.setDefaults()

	seeds := make([]storage.ID, 0, len(p.Seeds))
	for _, s := range p.Seeds {
		if inUniverse(p.Universe, s) && !slices.Contains(seeds, s) {
			seeds = append(seeds, s)
		}
	}
	if len(seeds) == 0 {
		return Result{}, ErrNoSeeds
	}

	weightByHash := make(map[uint64]float64, len(p.EdgeWeights))
	for label, w := range p.EdgeWeights {
		weightByHash[storage.LabelHash(label)] = w
	}

	scores := make(map[storage.ID]float64)
	residual := make(map[storage.ID]float64, len(seeds))
	for _, s := range seeds {
		residual[s] = 1.0 / float64(len(seeds))
	}
	adjCache := make(map[storage.ID][]storage.Adjacency)
	var res Result

	for hop := 0; hop <= p.Depth && len(residual) > 0; hop++ {
		next := make(map[storage.ID]float64)
		// Sorted frontier keeps float accumulation order deterministic.
		frontier := slices.SortedFunc(maps.Keys(residual), storage.ID.Compare)
		for _, node := range frontier {
			r := residual[node]
			scores[node] += (1 - p.Damping) * r
			if hop == p.Depth {
				continue
			}

			adj, ok := adjCache[node]
			if !ok {
				var err error
				if adj, err = g.OutAdjacency(txn, node); err != nil {
					return Result{}, fmt.Errorf("ppr: expanding %s: %w", node, err)
				}
				adjCache[node] = adj
			}

			var total float64
			for _, a := range adj {
				if w := weightByHash[a.LabelHash]; w > 0 {
					total += w
				}
			}
			if total == 0 {
				continue
			}
			for _, a := range adj {
				w := weightByHash[a.LabelHash]
				if w <= 0 {
					continue
				}
				res.EdgesTraversed++
				if !inUniverse(p.Universe, a.Other) {
					continue
				}
				if push := p.Damping * r * w / total; push >= p.Epsilon {
					next[a.Other] += push
				}
			}
		}
		residual = next
	}

	res.Scores = rank(scores, p.Limit, p.Normalize)
	if err := labelScores(txn, g, res.Scores); err != nil {
		return Result{}, err
	}
	return res, nil
}

// labelScores fills EntityType from each node's label. Nodes that no longer
// exist keep an empty type.
func labelScores(txn *kv.Txn, g Graph, scores []Score) error {
	for i := range scores {
		label, err := g.NodeLabel(txn, scores[i].ID)
		if storage.KindOf(err) == storage.KindNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("ppr: labeling %s: %w", scores[i].ID, err)
		}
		scores[i].EntityType = label
	}
	return nil
}

// rank sorts, truncates and optionally normalizes scores so the top is 1.
func rank(scores map[storage.ID]float64, limit int, normalize bool) []Score {
	out := make([]Score, 0, len(scores))
	for id, s := range scores {
		if s > 0 {
			out = append(out, Score{ID: id, Score: s})
		}
	}
	sortScores(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if normalize && len(out) > 0 && out[0].Score > 0 {
		top := out[0].Score
		for i := range out {
			out[i].Score /= top
		}
	}
	return out
}

func sortScores(s []Score) {
	slices.SortFunc(s, func(a, b Score) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return a.ID.Compare(b.ID)
	})
}
