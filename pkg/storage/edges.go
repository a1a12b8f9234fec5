package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"

	"github.com/cespare/xxhash/v2"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/search"
)

// =============================================================================
// Edges
// =============================================================================

// LabelHash is the 8-byte label discriminator stored in adjacency keys.
func LabelHash(label string) uint64 {
	return xxhash.Sum64String(label)
}

// Adjacency is one entry of the out- or in-edge index.
type Adjacency struct {
	EdgeID    ID
	Other     ID // target for out-edges, source for in-edges
	LabelHash uint64
}

// adjKey builds node + labelHash + edgeID. Big-endian keeps all edges of one
// label contiguous.
func adjKey(node ID, hash uint64, edge ID) []byte {
	key := make([]byte, 0, 40)
	key = append(key, node[:]...)
	key = binary.BigEndian.AppendUint64(key, hash)
	return append(key, edge[:]...)
}

func adjPrefix(node ID, label string) []byte {
	if label == "" {
		return node[:]
	}
	return binary.BigEndian.AppendUint64(append([]byte(nil), node[:]...), LabelHash(label))
}

// GetEdge loads an edge and lazily migrates it to the latest schema version.
func (e *Engine) GetEdge(txn *kv.Txn, id ID) (*Edge, error) {
	raw, err := txn.Get(EdgesTable, id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	edge, err := decodeEdge(id, raw)
	if err != nil {
		return nil, err
	}
	if edge.Properties, edge.Version, err = e.schema.Migrate(edge.Label, edge.Version, edge.Properties); err != nil {
		return nil, fmt.Errorf("edge %s: %w", id, err)
	}
	return edge, nil
}

// PutEdge inserts a new edge between two existing nodes together with its
// out/in index entries, secondary index entries and BM25 document. Observers
// are told both endpoints changed.
func (e *Engine) PutEdge(txn *kv.Txn, edge *Edge) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	if edge.Label == "" {
		return txn.Fail(fmt.Errorf("%w: edge label is required", ErrInvalidInput))
	}
	from, err := e.GetNode(txn, edge.From)
	if err != nil {
		return fail(txn, "edge source", err)
	}
	to, err := e.GetNode(txn, edge.To)
	if err != nil {
		return fail(txn, "edge target", err)
	}
	if edge.ID.IsZero() {
		edge.ID = NewID()
	} else if exists, err := txn.Has(EdgesTable, edge.ID[:]); err != nil {
		return fail(txn, "put edge", err)
	} else if exists {
		return txn.Fail(fmt.Errorf("%w: edge %s already exists", ErrDuplicateKey, edge.ID))
	}
	if edge.Version == 0 {
		edge.Version = e.schema.LatestVersion(edge.Label)
	}
	if e.schema.IsUniqueEdgeLabel(edge.Label) {
		edge.Unique = true
	}
	if edge.Unique {
		for adj, err := range e.OutEdges(txn, edge.From, edge.Label) {
			if err != nil {
				return fail(txn, "unique edge check", err)
			}
			if adj.Other == edge.To {
				return txn.Fail(fmt.Errorf("%w: %s edge %s -> %s already exists",
					ErrDuplicateKey, edge.Label, edge.From, edge.To))
			}
		}
	}

	rec, err := encodeEdge(edge)
	if err != nil {
		return fail(txn, "encoding edge", err)
	}
	if err := txn.Put(EdgesTable, edge.ID[:], rec); err != nil {
		return err
	}
	hash := LabelHash(edge.Label)
	if err := txn.Put(OutEdgesTable, adjKey(edge.From, hash, edge.ID), edge.To[:]); err != nil {
		return err
	}
	if err := txn.Put(InEdgesTable, adjKey(edge.To, hash, edge.ID), edge.From[:]); err != nil {
		return err
	}
	if err := e.indexInsert(txn, edge.Label, edge.ID, edge.Properties); err != nil {
		return err
	}
	if err := e.indexText(txn, edge.ID, search.DocEdge, edge.Label, edge.Properties); err != nil {
		return err
	}
	if err := e.notify(txn, vaultOf(from.Properties), edge.From, ReasonEdgeAdded); err != nil {
		return err
	}
	return e.notify(txn, vaultOf(to.Properties), edge.To, ReasonEdgeAdded)
}

// UpdateEdge replaces the properties of an existing edge. Endpoints and
// label are immutable. Observers are told both endpoints changed.
func (e *Engine) UpdateEdge(txn *kv.Txn, edge *Edge) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	old, err := e.GetEdge(txn, edge.ID)
	if err != nil {
		return fail(txn, "update edge", err)
	}
	if edge.Label == "" {
		edge.Label = old.Label
	}
	if edge.From.IsZero() {
		edge.From = old.From
	}
	if edge.To.IsZero() {
		edge.To = old.To
	}
	if edge.Label != old.Label || edge.From != old.From || edge.To != old.To {
		return txn.Fail(fmt.Errorf("%w: edge label and endpoints are immutable", ErrInvalidInput))
	}
	edge.Unique = old.Unique
	edge.Version = e.schema.LatestVersion(edge.Label)

	if err := e.indexRemove(txn, old.Label, old.ID, old.Properties); err != nil {
		return err
	}
	rec, err := encodeEdge(edge)
	if err != nil {
		return fail(txn, "encoding edge", err)
	}
	if err := txn.Put(EdgesTable, edge.ID[:], rec); err != nil {
		return err
	}
	if err := e.indexInsert(txn, edge.Label, edge.ID, edge.Properties); err != nil {
		return err
	}
	if err := e.indexText(txn, edge.ID, search.DocEdge, edge.Label, edge.Properties); err != nil {
		return err
	}
	return e.notifyEndpoints(txn, edge, ReasonEntityUpdated)
}

// DeleteEdge removes an edge from the edge table, both adjacency indexes,
// its secondary indexes and the BM25 index. Observers are told both
// endpoints changed.
func (e *Engine) DeleteEdge(txn *kv.Txn, id ID) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	edge, err := e.GetEdge(txn, id)
	if err != nil {
		return fail(txn, "delete edge", err)
	}
	hash := LabelHash(edge.Label)
	if err := txn.Delete(OutEdgesTable, adjKey(edge.From, hash, id)); err != nil {
		return err
	}
	if err := txn.Delete(InEdgesTable, adjKey(edge.To, hash, id)); err != nil {
		return err
	}
	if err := e.indexRemove(txn, edge.Label, id, edge.Properties); err != nil {
		return err
	}
	if err := e.unindexText(txn, id); err != nil {
		return err
	}
	if err := txn.Delete(EdgesTable, id[:]); err != nil {
		return err
	}
	return e.notifyEndpoints(txn, edge, ReasonEdgeRemoved)
}

// notifyEndpoints tells observers both endpoints of edge changed.
func (e *Engine) notifyEndpoints(txn *kv.Txn, edge *Edge, reason StaleReason) error {
	for _, end := range []ID{edge.From, edge.To} {
		vault, err := e.nodeVault(txn, end)
		if err != nil {
			return fail(txn, "edge endpoint", err)
		}
		if err := e.notify(txn, vault, end, reason); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) nodeVault(txn *kv.Txn, id ID) (string, error) {
	n, err := e.GetNode(txn, id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vaultOf(n.Properties), nil
}

// OutEdges streams the out-edges of node with the given label ("" for every
// label). Within a label, edges come in insertion order.
func (e *Engine) OutEdges(txn *kv.Txn, node ID, label string) iter.Seq2[Adjacency, error] {
	return e.adjacency(txn, OutEdgesTable, node, label)
}

// InEdges streams the in-edges of node with the given label ("" for every
// label).
func (e *Engine) InEdges(txn *kv.Txn, node ID, label string) iter.Seq2[Adjacency, error] {
	return e.adjacency(txn, InEdgesTable, node, label)
}

func (e *Engine) adjacency(txn *kv.Txn, tbl kv.Table, node ID, label string) iter.Seq2[Adjacency, error] {
	return func(yield func(Adjacency, error) bool) {
		for ent, err := range txn.Scan(tbl, adjPrefix(node, label), kv.ScanOptions{}) {
			if err != nil {
				yield(Adjacency{}, err)
				return
			}
			if len(ent.Key) != 40 || len(ent.Value) != 16 {
				yield(Adjacency{}, fmt.Errorf("%w: adjacency entry of %d bytes", ErrDecode, len(ent.Key)))
				return
			}
			adj := Adjacency{
				EdgeID:    ID(ent.Key[24:40]),
				Other:     ID(ent.Value),
				LabelHash: binary.BigEndian.Uint64(ent.Key[16:24]),
			}
			if !yield(adj, nil) {
				return
			}
		}
	}
}

// OutAdjacency returns every out-edge of node.
func (e *Engine) OutAdjacency(txn *kv.Txn, node ID) ([]Adjacency, error) {
	var out []Adjacency
	for adj, err := range e.OutEdges(txn, node, "") {
		if err != nil {
			return nil, err
		}
		out = append(out, adj)
	}
	return out, nil
}

// Degree returns the number of in- plus out-edges of node.
func (e *Engine) Degree(txn *kv.Txn, node ID) (int, error) {
	n := 0
	for _, tbl := range []kv.Table{OutEdgesTable, InEdgesTable} {
		for _, err := range txn.Scan(tbl, node[:], kv.ScanOptions{KeysOnly: true}) {
			if err != nil {
				return 0, err
			}
			n++
		}
	}
	return n, nil
}

// ScanEdges streams the edges of label ("" for all) in id order.
func (e *Engine) ScanEdges(txn *kv.Txn, label string) iter.Seq2[*Edge, error] {
	return func(yield func(*Edge, error) bool) {
		for ent, err := range txn.Scan(EdgesTable, nil, kv.ScanOptions{}) {
			if err != nil {
				yield(nil, err)
				return
			}
			if label != "" && !HasLabel(ent.Value, label) {
				continue
			}
			id, err := IDFromBytes(ent.Key)
			if err != nil {
				yield(nil, err)
				return
			}
			edge, err := decodeEdge(id, ent.Value)
			if err == nil {
				edge.Properties, edge.Version, err = e.schema.Migrate(edge.Label, edge.Version, edge.Properties)
			}
			if !yield(edge, err) || err != nil {
				return
			}
		}
	}
}

// EdgeCount returns the number of edges.
func (e *Engine) EdgeCount(txn *kv.Txn) (int, error) {
	return countKeys(txn, EdgesTable)
}
