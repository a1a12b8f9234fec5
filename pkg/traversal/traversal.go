// Package traversal is the lazy query pipeline over one kv transaction.
//
// A traversal is a chain of adapters over iter.Seq2[Value, error]:
//
//   - sources produce values (by id, by label, by index, vector search,
//     BM25 search, hybrid search, PPR, or by inserting new entities)
//   - steps transform them (neighbor expansion, edge hops, filters,
//     property fetch, ordering, reranking, updates)
//   - sinks consume them (Collect, Count, First, Drop, ...)
//
// Nothing runs until a sink pulls. Errors travel through the pipeline as
// values and sinks return the first one.
//
// Example Usage:
//
//	err := engine.View(func(txn *kv.Txn) error {
//		g := traversal.New(engine, txn)
//		children, err := g.NFromID(rootID).OutNode("child_of").Collect()
//		...
//	})
//
// Write sources and steps (AddN, AddE, InsertV, Update, UpsertN, Drop)
// require a write transaction.
package traversal

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/logging"
	"github.com/orneryd/mosaicdb/pkg/pool"
	"github.com/orneryd/mosaicdb/pkg/ppr"
	"github.com/orneryd/mosaicdb/pkg/rerank"
	"github.com/orneryd/mosaicdb/pkg/search"
	"github.com/orneryd/mosaicdb/pkg/storage"
)

// ErrUnexpectedValue is returned by a step that gets a value of the wrong
// shape (for example OutNode on an edge).
var ErrUnexpectedValue = fmt.Errorf("%w: unexpected traversal value", storage.ErrInvalidInput)

// G is the entry point of traversals over one transaction. A G is used by a
// single goroutine.
type G struct {
	engine *storage.Engine
	txn    *kv.Txn
	cache  *ppr.Cache
	arena  *pool.Arena
	log    *logrus.Entry

	lastSource ppr.Source
}

// Option configures a G.
type Option func(*G)

// WithPPRCache answers single-seed PPR sources from cache.
func WithPPRCache(c *ppr.Cache) Option {
	return func(g *G) { g.cache = c }
}

// WithArena carves vector payloads from arena. Values collected by sinks are
// copied out of it.
func WithArena(a *pool.Arena) Option {
	return func(g *G) { g.arena = a }
}

// New starts traversals over txn.
func New(engine *storage.Engine, txn *kv.Txn, opts ...Option) *G {
	g := &G{engine: engine, txn: txn, log: logging.For("traversal")}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Txn returns the transaction the traversals run in.
func (g *G) Txn() *kv.Txn {
	return g.txn
}

// LastPPRSource reports where the most recent PPR source got its scores.
func (g *G) LastPPRSource() ppr.Source {
	return g.lastSource
}

// Traversal is a lazy sequence of values bound to a G.
type Traversal struct {
	g   *G
	seq iter.Seq2[Value, error]
}

func (g *G) from(seq iter.Seq2[Value, error]) *Traversal {
	return &Traversal{g: g, seq: seq}
}

func (g *G) fail(err error) *Traversal {
	return g.from(func(yield func(Value, error) bool) { yield(Value{}, err) })
}

// Values returns the underlying sequence.
func (t *Traversal) Values() iter.Seq2[Value, error] {
	return t.seq
}

// =============================================================================
// Sources
// =============================================================================

// NFromID yields the nodes with the given ids. A missing node is an error.
func (g *G) NFromID(ids ...storage.ID) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		for _, id := range ids {
			n, err := g.engine.GetNode(g.txn, id)
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !yield(NodeValue(n), nil) {
				return
			}
		}
	})
}

// NFromType yields every node of label. An unknown label yields nothing.
func (g *G) NFromType(label string) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		for n, err := range g.engine.ScanNodes(g.txn, label) {
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !yield(NodeValue(n), nil) {
				return
			}
		}
	})
}

// NFromIndex yields the nodes stored under key in a secondary index.
func (g *G) NFromIndex(index string, key storage.Value) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		ids, err := g.engine.IndexLookup(g.txn, index, key)
		if err != nil {
			yield(Value{}, err)
			return
		}
		for _, id := range ids {
			n, err := g.engine.GetNode(g.txn, id)
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !yield(NodeValue(n), nil) {
				return
			}
		}
	})
}

// EFromID yields the edges with the given ids.
func (g *G) EFromID(ids ...storage.ID) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		for _, id := range ids {
			e, err := g.engine.GetEdge(g.txn, id)
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !yield(EdgeValue(e), nil) {
				return
			}
		}
	})
}

// EFromType yields every edge of label.
func (g *G) EFromType(label string) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		for e, err := range g.engine.ScanEdges(g.txn, label) {
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !yield(EdgeValue(e), nil) {
				return
			}
		}
	})
}

// VFromID yields one vector, with its payload when withData is set.
func (g *G) VFromID(id storage.ID, label string, withData bool) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		v, err := g.engine.GetVector(g.txn, id, label, withData, g.arena)
		if err != nil {
			yield(Value{}, err)
			return
		}
		yield(VectorValue(v), nil)
	})
}

// VFromType yields the live vectors of label.
func (g *G) VFromType(label string, withData bool) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		for v, err := range g.engine.ScanVectors(g.txn, label) {
			if err != nil {
				yield(Value{}, err)
				return
			}
			if withData {
				if v, err = g.engine.GetVector(g.txn, v.ID, label, true, g.arena); err != nil {
					yield(Value{}, err)
					return
				}
			}
			if !yield(VectorValue(v), nil) {
				return
			}
		}
	})
}

// SearchV yields the k nearest live vectors of label to q, best first.
// filter may be nil.
func (g *G) SearchV(label string, q []float32, k int, filter func(*storage.Vector) bool) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		res, err := g.engine.SearchVectors(g.txn, label, q, k, filter)
		if err != nil {
			yield(Value{}, err)
			return
		}
		for _, m := range res.Matches {
			if !yield(VectorValue(m.Vector).WithScore(m.Score), nil) {
				return
			}
		}
	})
}

// SearchBM25 yields the top-k entities of label matching query, best first.
// Nodes come out as NodeWithScore, edges and vectors carry their score.
func (g *G) SearchBM25(label, query string, k int) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		hits, err := g.engine.Text().Search(g.txn, label, query, k)
		if err != nil {
			yield(Value{}, err)
			return
		}
		for _, h := range hits {
			v, err := g.resolveHit(h)
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrVectorDeleted) {
				continue
			}
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !yield(v.WithScore(h.Score), nil) {
				return
			}
		}
	})
}

func (g *G) resolveHit(h search.TextHit) (Value, error) {
	id := storage.ID(h.ID)
	switch h.Kind {
	case search.DocNode:
		n, err := g.engine.GetNode(g.txn, id)
		if err != nil {
			return Value{}, err
		}
		return NodeValue(n), nil
	case search.DocEdge:
		e, err := g.engine.GetEdge(g.txn, id)
		if err != nil {
			return Value{}, err
		}
		return EdgeValue(e), nil
	case search.DocVector:
		v, err := g.engine.GetVector(g.txn, id, "", true, g.arena)
		if err != nil {
			return Value{}, err
		}
		return VectorValue(v), nil
	}
	return Value{}, fmt.Errorf("%w: text hit of kind %d", storage.ErrInternal, h.Kind)
}

// HybridQuery configures SearchHybrid.
type HybridQuery struct {
	// VectorLabel and TextLabel select what each side searches.
	VectorLabel string
	TextLabel   string

	Vector []float32
	Text   string

	// K bounds each side's candidates and the fused output.
	K int

	// RRFK is the fusion constant (0 = rerank.DefaultRRFK).
	RRFK float64

	// Filter restricts the vector side. It may be nil.
	Filter func(*storage.Vector) bool
}

// SearchHybrid runs a vector search and a BM25 search and fuses them with
// RRF. Either side may be empty.
func (g *G) SearchHybrid(q HybridQuery) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		var lists [][]rerank.Item
		if len(q.Vector) > 0 {
			vals, err := g.SearchV(q.VectorLabel, q.Vector, q.K, q.Filter).Collect()
			if err != nil {
				yield(Value{}, err)
				return
			}
			lists = append(lists, toItems(vals))
		}
		if q.Text != "" {
			vals, err := g.SearchBM25(q.TextLabel, q.Text, q.K).Collect()
			if err != nil {
				yield(Value{}, err)
				return
			}
			lists = append(lists, toItems(vals))
		}
		if len(lists) == 0 {
			return
		}
		fused, err := rerank.RRF(lists, q.RRFK)
		if err != nil {
			yield(Value{}, err)
			return
		}
		if q.K > 0 && len(fused) > q.K {
			fused = fused[:q.K]
		}
		for _, it := range fused {
			if !yield(fromItem(it), nil) {
				return
			}
		}
	})
}

// PPRQuery configures the PPR source.
type PPRQuery = ppr.Query

// PPR yields NodeWithScore values ranked by personalized PageRank from the
// query seeds. Single-seed queries go through the PPR cache when one is
// configured.
func (g *G) PPR(q PPRQuery) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		var (
			res ppr.CachedResult
			err error
		)
		if g.cache != nil {
			res, err = g.cache.PPRWithCache(g.txn, q)
		} else {
			res.Result, err = ppr.Compute(g.txn, g.engine, q.Params)
			res.Source = ppr.SourceLive
		}
		if err != nil {
			yield(Value{}, err)
			return
		}
		g.lastSource = res.Source
		for _, s := range res.Scores {
			n, err := g.engine.GetNode(g.txn, s.ID)
			if errors.Is(err, storage.ErrNotFound) {
				// Cached scores can outlive a deleted node.
				continue
			}
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !yield(NodeWithScore(n, s.Score), nil) {
				return
			}
		}
	})
}

// AddN inserts a node and yields it.
func (g *G) AddN(label string, props map[string]storage.Value) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		n := &storage.Node{Label: label, Properties: props}
		if err := g.engine.PutNode(g.txn, n); err != nil {
			yield(Value{}, err)
			return
		}
		yield(NodeValue(n), nil)
	})
}

// AddE inserts an edge and yields it.
func (g *G) AddE(label string, from, to storage.ID, props map[string]storage.Value) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		e := &storage.Edge{Label: label, From: from, To: to, Properties: props}
		if err := g.engine.PutEdge(g.txn, e); err != nil {
			yield(Value{}, err)
			return
		}
		yield(EdgeValue(e), nil)
	})
}

// InsertV inserts a vector and yields it.
func (g *G) InsertV(label string, data []float32, props map[string]storage.Value) *Traversal {
	return g.from(func(yield func(Value, error) bool) {
		v := &storage.Vector{Label: label, Data: slices.Clone(data), Properties: props}
		if err := g.engine.PutVector(g.txn, v); err != nil {
			yield(Value{}, err)
			return
		}
		yield(VectorValue(v), nil)
	})
}
