package traversal

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/orneryd/mosaicdb/pkg/storage"
)

// then chains a per-value expansion onto t. fn returns false to stop.
func (t *Traversal) then(fn func(v Value, yield func(Value, error) bool) bool) *Traversal {
	return t.g.from(func(yield func(Value, error) bool) {
		for v, err := range t.seq {
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !fn(v, yield) {
				return
			}
		}
	})
}

func shapeError(step string, v Value) error {
	return fmt.Errorf("%w: %s on %s", ErrUnexpectedValue, step, v.Kind)
}

// =============================================================================
// Graph steps
// =============================================================================

// OutNode replaces each node with its out-neighbors over label edges, in
// out-edge index order. An empty label follows every edge.
func (t *Traversal) OutNode(label string) *Traversal {
	return t.hop("OutNode", label, true, false)
}

// InNode replaces each node with its in-neighbors over label edges.
func (t *Traversal) InNode(label string) *Traversal {
	return t.hop("InNode", label, false, false)
}

// OutE replaces each node with its outgoing label edges.
func (t *Traversal) OutE(label string) *Traversal {
	return t.hop("OutE", label, true, true)
}

// InE replaces each node with its incoming label edges.
func (t *Traversal) InE(label string) *Traversal {
	return t.hop("InE", label, false, true)
}

func (t *Traversal) hop(step, label string, out, edges bool) *Traversal {
	g := t.g
	return t.then(func(v Value, yield func(Value, error) bool) bool {
		if !v.IsNode() {
			return yield(Value{}, shapeError(step, v))
		}
		adjs := g.engine.InEdges(g.txn, v.Node.ID, label)
		if out {
			adjs = g.engine.OutEdges(g.txn, v.Node.ID, label)
		}
		for adj, err := range adjs {
			if err != nil {
				return yield(Value{}, err)
			}
			var next Value
			if edges {
				e, err := g.engine.GetEdge(g.txn, adj.EdgeID)
				if err != nil {
					return yield(Value{}, err)
				}
				next = EdgeValue(e)
			} else {
				n, err := g.engine.GetNode(g.txn, adj.Other)
				if err != nil {
					return yield(Value{}, err)
				}
				next = NodeValue(n)
			}
			if !yield(next, nil) {
				return false
			}
		}
		return true
	})
}

// FromNode replaces each edge with its source node.
func (t *Traversal) FromNode() *Traversal {
	return t.endpoint("FromNode", func(e *storage.Edge) storage.ID { return e.From })
}

// ToNode replaces each edge with its target node.
func (t *Traversal) ToNode() *Traversal {
	return t.endpoint("ToNode", func(e *storage.Edge) storage.ID { return e.To })
}

func (t *Traversal) endpoint(step string, pick func(*storage.Edge) storage.ID) *Traversal {
	g := t.g
	return t.then(func(v Value, yield func(Value, error) bool) bool {
		if v.Kind != KindEdge {
			return yield(Value{}, shapeError(step, v))
		}
		n, err := g.engine.GetNode(g.txn, pick(v.Edge))
		if err != nil {
			return yield(Value{}, err)
		}
		return yield(NodeValue(n), nil)
	})
}

// ShortestPathTo replaces each node with the shortest path of label
// out-edges leading to target. No path is ErrShortestPathNotFound.
func (t *Traversal) ShortestPathTo(target storage.ID, label string) *Traversal {
	g := t.g
	return t.then(func(v Value, yield func(Value, error) bool) bool {
		if !v.IsNode() {
			return yield(Value{}, shapeError("ShortestPathTo", v))
		}
		p, err := g.shortestPath(v.Node, target, label)
		if err != nil {
			return yield(Value{}, err)
		}
		return yield(Value{Kind: KindPath, Path: p}, nil)
	})
}

// shortestPath is a breadth-first search over out-edges.
func (g *G) shortestPath(start *storage.Node, target storage.ID, label string) (*Path, error) {
	if start.ID == target {
		return &Path{Nodes: []*storage.Node{start}}, nil
	}
	type step struct {
		node *storage.Node
		path *Path
	}
	queue := []step{{node: start, path: &Path{Nodes: []*storage.Node{start}}}}
	visited := map[storage.ID]bool{start.ID: true}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for adj, err := range g.engine.OutEdges(g.txn, cur.node.ID, label) {
			if err != nil {
				return nil, err
			}
			if visited[adj.Other] {
				continue
			}
			visited[adj.Other] = true
			next, err := g.engine.GetNode(g.txn, adj.Other)
			if err != nil {
				return nil, err
			}
			edge, err := g.engine.GetEdge(g.txn, adj.EdgeID)
			if err != nil {
				return nil, err
			}
			path := &Path{
				Nodes: append(slices.Clone(cur.path.Nodes), next),
				Edges: append(slices.Clone(cur.path.Edges), edge),
			}
			if adj.Other == target {
				return path, nil
			}
			queue = append(queue, step{node: next, path: path})
		}
	}
	return nil, fmt.Errorf("%s -> %s: %w", start.ID, target, storage.ErrShortestPathNotFound)
}

// =============================================================================
// Filtering and shaping
// =============================================================================

// Filter keeps the values pred accepts. A predicate error ends the
// traversal with that error.
func (t *Traversal) Filter(pred func(Value) (bool, error)) *Traversal {
	return t.then(func(v Value, yield func(Value, error) bool) bool {
		ok, err := pred(v)
		if err != nil {
			return yield(Value{}, err)
		}
		if !ok {
			return true
		}
		return yield(v, nil)
	})
}

// Where is Filter with an infallible predicate.
func (t *Traversal) Where(pred func(Value) bool) *Traversal {
	return t.Filter(func(v Value) (bool, error) { return pred(v), nil })
}

// Has keeps entities whose property name equals want.
func (t *Traversal) Has(name string, want storage.Value) *Traversal {
	return t.Where(func(v Value) bool { return v.Property(name).Equal(want) })
}

// Range skips skip values then passes at most take (take < 0 = all).
func (t *Traversal) Range(skip, take int) *Traversal {
	return t.g.from(func(yield func(Value, error) bool) {
		i := 0
		for v, err := range t.seq {
			if err != nil {
				yield(Value{}, err)
				return
			}
			if i >= skip {
				if take >= 0 && i-skip >= take {
					return
				}
				if !yield(v, nil) {
					return
				}
			}
			i++
		}
	})
}

// Dedup drops entities already seen. Values without an id always pass.
func (t *Traversal) Dedup() *Traversal {
	return t.g.from(func(yield func(Value, error) bool) {
		seen := make(map[storage.ID]bool)
		for v, err := range t.seq {
			if err != nil {
				yield(Value{}, err)
				return
			}
			if id := v.ID(); !id.IsZero() {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			if !yield(v, nil) {
				return
			}
		}
	})
}

// OrderBy sorts by a property. Missing properties sort first ascending,
// ties keep input order.
func (t *Traversal) OrderBy(name string, desc bool) *Traversal {
	return t.g.from(func(yield func(Value, error) bool) {
		vals, err := collect(t.seq)
		if err != nil {
			yield(Value{}, err)
			return
		}
		slices.SortStableFunc(vals, func(a, b Value) int {
			c := storage.Compare(a.Property(name), b.Property(name))
			if desc {
				return -c
			}
			return c
		})
		for _, v := range vals {
			if !yield(v, nil) {
				return
			}
		}
	})
}

// Property replaces each entity with one of its properties. A missing
// property yields an Empty property value.
func (t *Traversal) Property(name string) *Traversal {
	return t.then(func(v Value, yield func(Value, error) bool) bool {
		switch {
		case v.IsNode(), v.IsVector(), v.Kind == KindEdge:
			return yield(PropertyValue(v.Property(name)), nil)
		}
		return yield(Value{}, shapeError("Property", v))
	})
}

// CountToVal replaces the stream with a single property holding its length.
func (t *Traversal) CountToVal() *Traversal {
	return t.g.from(func(yield func(Value, error) bool) {
		n, err := t.Count()
		if err != nil {
			yield(Value{}, err)
			return
		}
		yield(PropertyValue(storage.U64(uint64(n))), nil)
	})
}

// =============================================================================
// Write steps
// =============================================================================

// Update merges props into each entity and yields the updated value.
func (t *Traversal) Update(props map[string]storage.Value) *Traversal {
	g := t.g
	return t.then(func(v Value, yield func(Value, error) bool) bool {
		out, err := g.update(v, props)
		if err != nil {
			return yield(Value{}, err)
		}
		return yield(out, nil)
	})
}

func (g *G) update(v Value, props map[string]storage.Value) (Value, error) {
	merged := maps.Clone(v.Properties())
	if merged == nil {
		merged = make(map[string]storage.Value, len(props))
	}
	maps.Copy(merged, props)

	switch {
	case v.IsNode():
		n := *v.Node
		n.Properties = merged
		if err := g.engine.UpdateNode(g.txn, &n); err != nil {
			return Value{}, err
		}
		v.Node = &n
	case v.Kind == KindEdge:
		e := *v.Edge
		e.Properties = merged
		if err := g.engine.UpdateEdge(g.txn, &e); err != nil {
			return Value{}, err
		}
		v.Edge = &e
	case v.IsVector():
		if err := g.engine.UpdateVector(g.txn, v.Vector.ID, merged); err != nil {
			return Value{}, err
		}
		vec := *v.Vector
		vec.Properties = merged
		v.Vector = &vec
	default:
		return Value{}, shapeError("Update", v)
	}
	return v, nil
}

// UpsertN updates every node in the stream with props, or inserts a new
// label node when the stream is empty.
func (t *Traversal) UpsertN(label string, props map[string]storage.Value) *Traversal {
	return t.upsert(func(g *G) *Traversal { return g.AddN(label, props) }, props)
}

// UpsertE updates every edge in the stream with props, or inserts a new
// label edge from -> to when the stream is empty.
func (t *Traversal) UpsertE(label string, from, to storage.ID, props map[string]storage.Value) *Traversal {
	return t.upsert(func(g *G) *Traversal { return g.AddE(label, from, to, props) }, props)
}

func (t *Traversal) upsert(insert func(*G) *Traversal, props map[string]storage.Value) *Traversal {
	g := t.g
	return g.from(func(yield func(Value, error) bool) {
		matched := false
		for v, err := range t.seq {
			if err != nil {
				yield(Value{}, err)
				return
			}
			matched = true
			out, err := g.update(v, props)
			if err != nil {
				yield(Value{}, err)
				return
			}
			if !yield(out, nil) {
				return
			}
		}
		if matched {
			return
		}
		for v, err := range insert(g).seq {
			if !yield(v, err) || err != nil {
				return
			}
		}
	})
}

// Drop deletes every entity in the stream and returns how many were
// removed. Entities already removed by an earlier cascade are skipped.
func (t *Traversal) Drop() (int, error) {
	vals, err := collect(t.seq)
	if err != nil {
		return 0, err
	}
	g := t.g
	dropped := 0
	for _, v := range vals {
		ok, err := g.drop(v)
		if err != nil {
			return dropped, err
		}
		if ok {
			dropped++
		}
	}
	return dropped, nil
}

func (g *G) drop(v Value) (bool, error) {
	switch {
	case v.IsNode():
		exists, err := g.engine.NodeExists(g.txn, v.Node.ID)
		if err != nil || !exists {
			return false, err
		}
		return true, g.engine.DeleteNode(g.txn, v.Node.ID)
	case v.Kind == KindEdge:
		if _, err := g.engine.GetEdge(g.txn, v.Edge.ID); errors.Is(err, storage.ErrNotFound) {
			return false, nil
		} else if err != nil {
			return false, err
		}
		return true, g.engine.DeleteEdge(g.txn, v.Edge.ID)
	case v.IsVector():
		_, err := g.engine.GetVectorMetadata(g.txn, v.Vector.ID, "")
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrVectorDeleted) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, g.engine.DeleteVector(g.txn, v.Vector.ID)
	}
	return false, shapeError("Drop", v)
}
