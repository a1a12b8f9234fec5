package traversal

import (
	"fmt"
	"slices"

	"github.com/orneryd/mosaicdb/pkg/storage"
)

// Kind is the variant held by a Value.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindNode
	KindEdge
	KindVector
	KindVectorWithoutData
	KindNodeWithScore
	KindProperty
	KindPath
)

var kindNames = [...]string{"Empty", "Node", "Edge", "Vector", "VectorWithoutData", "NodeWithScore", "Property", "Path"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Path is a node-edge-node chain. len(Edges) == len(Nodes)-1.
type Path struct {
	Nodes []*storage.Node
	Edges []*storage.Edge
}

// Value is one element flowing through a traversal.
type Value struct {
	Kind Kind

	Node   *storage.Node
	Edge   *storage.Edge
	Vector *storage.Vector
	Path   *Path

	// Prop holds the result of a Property step.
	Prop storage.Value

	// Score is set by search sources, PPR and rerank steps.
	Score  float64
	Scored bool
}

// Empty is the empty value.
func Empty() Value { return Value{} }

// NodeValue wraps a node.
func NodeValue(n *storage.Node) Value { return Value{Kind: KindNode, Node: n} }

// NodeWithScore wraps a scored node.
func NodeWithScore(n *storage.Node, score float64) Value {
	return Value{Kind: KindNodeWithScore, Node: n, Score: score, Scored: true}
}

// EdgeValue wraps an edge.
func EdgeValue(e *storage.Edge) Value { return Value{Kind: KindEdge, Edge: e} }

// VectorValue wraps a vector. Vectors loaded without payload become
// VectorWithoutData.
func VectorValue(v *storage.Vector) Value {
	if v.Data == nil {
		return Value{Kind: KindVectorWithoutData, Vector: v}
	}
	return Value{Kind: KindVector, Vector: v}
}

// PropertyValue wraps a property.
func PropertyValue(p storage.Value) Value { return Value{Kind: KindProperty, Prop: p} }

// IsNode reports whether v carries a node (scored or not).
func (v Value) IsNode() bool {
	return v.Kind == KindNode || v.Kind == KindNodeWithScore
}

// IsVector reports whether v carries a vector (with or without payload).
func (v Value) IsVector() bool {
	return v.Kind == KindVector || v.Kind == KindVectorWithoutData
}

// ID returns the entity id, or NilID for values without one.
func (v Value) ID() storage.ID {
	switch {
	case v.IsNode():
		return v.Node.ID
	case v.Kind == KindEdge:
		return v.Edge.ID
	case v.IsVector():
		return v.Vector.ID
	}
	return storage.NilID
}

// Label returns the entity label.
func (v Value) Label() string {
	switch {
	case v.IsNode():
		return v.Node.Label
	case v.Kind == KindEdge:
		return v.Edge.Label
	case v.IsVector():
		return v.Vector.Label
	}
	return ""
}

// Properties returns the entity properties.
func (v Value) Properties() map[string]storage.Value {
	switch {
	case v.IsNode():
		return v.Node.Properties
	case v.Kind == KindEdge:
		return v.Edge.Properties
	case v.IsVector():
		return v.Vector.Properties
	}
	return nil
}

// Property returns a named property or storage.Empty.
func (v Value) Property(name string) storage.Value {
	if p, ok := v.Properties()[name]; ok {
		return p
	}
	return storage.Empty()
}

// Embedding returns the vector payload of a vector, or the "embedding"
// property of a node.
func (v Value) Embedding() []float32 {
	if v.Kind == KindVector {
		return v.Vector.Data
	}
	if v.IsNode() {
		if emb, ok := v.Property("embedding").AsF32Array(); ok {
			return emb
		}
	}
	return nil
}

// WithScore returns v carrying score. Nodes become NodeWithScore.
func (v Value) WithScore(score float64) Value {
	if v.Kind == KindNode {
		v.Kind = KindNodeWithScore
	}
	v.Score = score
	v.Scored = true
	return v
}

// owned returns v with any arena-backed payload copied to the heap.
func (v Value) owned() Value {
	if v.Kind == KindVector && v.Vector != nil {
		cp := *v.Vector
		cp.Data = slices.Clone(v.Vector.Data)
		v.Vector = &cp
	}
	return v
}

// Object renders v as plain Go data for JSON responses.
func (v Value) Object() any {
	switch v.Kind {
	case KindEmpty:
		return nil
	case KindProperty:
		return v.Prop.Any()
	case KindPath:
		nodes := make([]any, len(v.Path.Nodes))
		for i, n := range v.Path.Nodes {
			nodes[i] = NodeValue(n).Object()
		}
		edges := make([]any, len(v.Path.Edges))
		for i, e := range v.Path.Edges {
			edges[i] = EdgeValue(e).Object()
		}
		return map[string]any{"nodes": nodes, "edges": edges}
	}

	props := make(map[string]any, len(v.Properties()))
	for k, p := range v.Properties() {
		props[k] = p.Any()
	}
	out := map[string]any{
		"id":         v.ID().String(),
		"label":      v.Label(),
		"properties": props,
	}
	switch v.Kind {
	case KindEdge:
		out["from"] = v.Edge.From.String()
		out["to"] = v.Edge.To.String()
	case KindVector:
		out["data"] = v.Vector.Data
	}
	if v.Scored {
		out["score"] = v.Score
	}
	return out
}
