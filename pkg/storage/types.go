// Package storage is the storage core of MosaicDB.
//
// It owns the named kv tables, defines the binary encoding of every entity,
// and keeps the derived structures (edge adjacency, secondary indexes, BM25
// documents, HNSW graphs) consistent with the base tables inside a single
// write transaction.
//
// Tables:
//   - nodes: id -> node record
//   - edges: id -> edge record
//   - out_edges: from + labelHash + edgeID -> to
//   - in_edges: to + labelHash + edgeID -> from
//   - vector_props: id -> vector metadata record
//   - vector_data: id -> packed float32 payload
//   - vector_layer_{n}, vector_entry: HNSW graphs (package search)
//   - bm25_postings, bm25_docstats, bm25_agg: full-text index (package search)
//   - secondary_{label}_{property}: secondary indexes
//   - version_info: schema versions and schema text
//
// Example Usage:
//
//	env, _ := kv.Open(kv.Options{DataDir: "./data"})
//	engine, _ := storage.NewEngine(env, storage.Options{})
//
//	err := env.Update(func(txn *kv.Txn) error {
//		alice := &storage.Node{Label: "person", Properties: map[string]storage.Value{
//			"name": storage.String("alice"),
//		}}
//		return engine.PutNode(txn, alice)
//	})
package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/orneryd/mosaicdb/pkg/kv"
)

// Common errors
var (
	ErrNotFound             = errors.New("not found")
	ErrDecode               = errors.New("decode error")
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrLabelNotFound        = errors.New("label not found")
	ErrShortestPathNotFound = errors.New("shortest path not found")
	ErrVectorDeleted        = errors.New("vector deleted")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInternal             = errors.New("internal error")
)

// Kind classifies an error for callers at the boundary.
type Kind string

const (
	KindNotFound             Kind = "NotFound"
	KindDecode               Kind = "DecodeError"
	KindDuplicateKey         Kind = "DuplicateKey"
	KindLabelNotFound        Kind = "LabelNotFound"
	KindShortestPathNotFound Kind = "ShortestPathNotFound"
	KindVectorDeleted        Kind = "VectorDeleted"
	KindIoNeeded             Kind = "IoNeeded"
	KindInvalidInput         Kind = "InvalidInput"
	KindInternal             Kind = "Internal"
)

// KindOf maps err to its kind. Errors that match no storage sentinel are
// Internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, kv.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrDuplicateKey):
		return KindDuplicateKey
	case errors.Is(err, ErrLabelNotFound):
		return KindLabelNotFound
	case errors.Is(err, ErrShortestPathNotFound):
		return KindShortestPathNotFound
	case errors.Is(err, ErrVectorDeleted):
		return KindVectorDeleted
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		var io interface{ IoNeeded() bool }
		if errors.As(err, &io) && io.IoNeeded() {
			return KindIoNeeded
		}
		return KindInternal
	}
}

// =============================================================================
// Identifiers
// =============================================================================

// ID is a 128-bit entity id. New ids are version-6 UUIDs, whose byte order
// follows creation time, so fresh ids append to the end of sorted tables.
type ID [16]byte

// NilID is the zero id.
var NilID ID

// NewID returns a fresh time-ordered id.
func NewID() ID {
	return ID(uuid.Must(uuid.NewV6()))
}

// ParseID parses the canonical UUID string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilID, fmt.Errorf("%w: id %q: %v", ErrInvalidInput, s, err)
	}
	return ID(u), nil
}

// MustParseID is ParseID that panics on error. Meant for tests and constants.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IDFromBytes copies a 16-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return NilID, fmt.Errorf("%w: id of %d bytes", ErrDecode, len(b))
	}
	return ID(b), nil
}

// String returns the canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is NilID.
func (id ID) IsZero() bool {
	return id == NilID
}

// Compare orders ids bytewise, which is also creation order.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// =============================================================================
// Entities
// =============================================================================

// Node is a labeled property-graph vertex.
type Node struct {
	ID         ID
	Label      string
	Version    uint32
	Properties map[string]Value
}

// Edge is a directed, labeled relationship between two nodes.
//
// When Unique is set, at most one edge with this label may exist between
// From and To.
type Edge struct {
	ID         ID
	Label      string
	Version    uint32
	From       ID
	To         ID
	Unique     bool
	Properties map[string]Value
}

// Vector is a dense embedding with metadata. Data is nil when only the
// metadata was loaded.
type Vector struct {
	ID         ID
	Label      string
	Version    uint32
	Deleted    bool
	Data       []float32
	Properties map[string]Value
}

// Property returns the named property or Empty.
func (n *Node) Property(name string) Value {
	return lookup(n.Properties, name)
}

// Property returns the named property or Empty.
func (e *Edge) Property(name string) Value {
	return lookup(e.Properties, name)
}

// Property returns the named property or Empty.
func (v *Vector) Property(name string) Value {
	return lookup(v.Properties, name)
}

func lookup(props map[string]Value, name string) Value {
	if v, ok := props[name]; ok {
		return v
	}
	return Empty()
}

// Table names.
const (
	NodesTable       = kv.Table("nodes")
	EdgesTable       = kv.Table("edges")
	OutEdgesTable    = kv.Table("out_edges")
	InEdgesTable     = kv.Table("in_edges")
	VectorPropsTable = kv.Table("vector_props")
	VectorDataTable  = kv.Table("vector_data")
	VersionInfoTable = kv.Table("version_info")
)

// VaultProperty is the node property that scopes an entity to a vault.
const VaultProperty = "vaultId"
