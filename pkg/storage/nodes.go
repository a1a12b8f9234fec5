package storage

import (
	"errors"
	"fmt"
	"iter"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/search"
)

// =============================================================================
// Nodes
// =============================================================================

// GetNode loads a node and lazily migrates it to the latest schema version
// of its label. The migrated form is not written back.
func (e *Engine) GetNode(txn *kv.Txn, id ID) (*Node, error) {
	raw, err := txn.Get(NodesTable, id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(id, raw)
	if err != nil {
		return nil, err
	}
	if n.Properties, n.Version, err = e.schema.Migrate(n.Label, n.Version, n.Properties); err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	return n, nil
}

// NodeLabel returns the label of a node by reading only the record header.
func (e *Engine) NodeLabel(txn *kv.Txn, id ID) (string, error) {
	raw, err := txn.Get(NodesTable, id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	label, err := RecordLabel(raw)
	if err != nil {
		return "", fmt.Errorf("node %s: %w", id, err)
	}
	return string(label), nil
}

// NodeExists reports whether a node with id exists.
func (e *Engine) NodeExists(txn *kv.Txn, id ID) (bool, error) {
	return txn.Has(NodesTable, id[:])
}

// PutNode inserts a new node with its secondary index entries and BM25
// document. A zero n.ID is replaced by a fresh id; a zero n.Version by the
// label's latest version.
func (e *Engine) PutNode(txn *kv.Txn, n *Node) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	if n.Label == "" {
		return txn.Fail(fmt.Errorf("%w: node label is required", ErrInvalidInput))
	}
	if n.ID.IsZero() {
		n.ID = NewID()
	} else if exists, err := e.NodeExists(txn, n.ID); err != nil {
		return fail(txn, "put node", err)
	} else if exists {
		return txn.Fail(fmt.Errorf("%w: node %s already exists", ErrDuplicateKey, n.ID))
	}
	if n.Version == 0 {
		n.Version = e.schema.LatestVersion(n.Label)
	}

	rec, err := encodeNode(n)
	if err != nil {
		return fail(txn, "encoding node", err)
	}
	if err := txn.Put(NodesTable, n.ID[:], rec); err != nil {
		return err
	}
	if err := e.indexInsert(txn, n.Label, n.ID, n.Properties); err != nil {
		return err
	}
	return e.indexText(txn, n.ID, search.DocNode, n.Label, n.Properties)
}

// UpdateNode replaces the properties of an existing node. Secondary index
// entries are removed then re-inserted, and observers are told the entity
// changed.
func (e *Engine) UpdateNode(txn *kv.Txn, n *Node) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	old, err := e.GetNode(txn, n.ID)
	if err != nil {
		return fail(txn, "update node", err)
	}
	if n.Label == "" {
		n.Label = old.Label
	}
	if n.Label != old.Label {
		return txn.Fail(fmt.Errorf("%w: node label cannot change (%s -> %s)", ErrInvalidInput, old.Label, n.Label))
	}
	n.Version = e.schema.LatestVersion(n.Label)

	if err := e.indexRemove(txn, old.Label, old.ID, old.Properties); err != nil {
		return err
	}
	rec, err := encodeNode(n)
	if err != nil {
		return fail(txn, "encoding node", err)
	}
	if err := txn.Put(NodesTable, n.ID[:], rec); err != nil {
		return err
	}
	if err := e.indexInsert(txn, n.Label, n.ID, n.Properties); err != nil {
		return err
	}
	if err := e.indexText(txn, n.ID, search.DocNode, n.Label, n.Properties); err != nil {
		return err
	}
	return e.notifyVaults(txn, n.ID, ReasonEntityUpdated, vaultOf(old.Properties), vaultOf(n.Properties))
}

// DeleteNode deletes the node's incident edges, its secondary index entries
// and BM25 document, then the node itself. Observers are told the entity
// changed.
func (e *Engine) DeleteNode(txn *kv.Txn, id ID) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	n, err := e.GetNode(txn, id)
	if err != nil {
		return fail(txn, "delete node", err)
	}

	var incident []ID
	seen := make(map[ID]struct{})
	for _, dir := range []kv.Table{OutEdgesTable, InEdgesTable} {
		for adj, err := range e.adjacency(txn, dir, id, "") {
			if err != nil {
				return fail(txn, "delete node", err)
			}
			if _, dup := seen[adj.EdgeID]; dup {
				continue
			}
			seen[adj.EdgeID] = struct{}{}
			incident = append(incident, adj.EdgeID)
		}
	}
	for _, edgeID := range incident {
		if err := e.DeleteEdge(txn, edgeID); err != nil {
			return err
		}
	}

	if err := e.indexRemove(txn, n.Label, id, n.Properties); err != nil {
		return err
	}
	if err := e.unindexText(txn, id); err != nil {
		return err
	}
	if err := txn.Delete(NodesTable, id[:]); err != nil {
		return err
	}
	return e.notify(txn, vaultOf(n.Properties), id, ReasonEntityUpdated)
}

// ScanNodes streams the nodes of label in id order. The label is compared
// against the record header before anything else is decoded. An empty label
// streams every node.
func (e *Engine) ScanNodes(txn *kv.Txn, label string) iter.Seq2[*Node, error] {
	return func(yield func(*Node, error) bool) {
		for ent, err := range txn.Scan(NodesTable, nil, kv.ScanOptions{}) {
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
			n, err := decodeNode(id, ent.Value)
			if err == nil {
				n.Properties, n.Version, err = e.schema.Migrate(n.Label, n.Version, n.Properties)
			}
			if !yield(n, err) || err != nil {
				return
			}
		}
	}
}

// NodeCount returns the number of nodes.
func (e *Engine) NodeCount(txn *kv.Txn) (int, error) {
	return countKeys(txn, NodesTable)
}

func countKeys(txn *kv.Txn, tbl kv.Table) (int, error) {
	n := 0
	for _, err := range txn.Scan(tbl, nil, kv.ScanOptions{KeysOnly: true}) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func (e *Engine) notifyVaults(txn *kv.Txn, id ID, reason StaleReason, vaults ...string) error {
	done := make(map[string]struct{}, len(vaults))
	for _, v := range vaults {
		if _, ok := done[v]; ok {
			continue
		}
		done[v] = struct{}{}
		if err := e.notify(txn, v, id, reason); err != nil {
			return err
		}
	}
	return nil
}
