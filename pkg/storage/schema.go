// Schema management for secondary indexes, unique edge labels and schema
// versions.
//
// A SchemaManager is assembled before the engine opens and frozen by
// NewEngine; from then on it is shared by read reference without locking.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/orneryd/mosaicdb/pkg/kv"
)

// IndexKind is the write policy of a secondary index.
type IndexKind uint8

const (
	// IndexMulti allows many entities per value.
	IndexMulti IndexKind = iota
	// IndexUnique rejects a second entity with the same value.
	IndexUnique
)

func (k IndexKind) String() string {
	if k == IndexUnique {
		return "unique"
	}
	return "multi"
}

// SecondaryIndex binds (label, property) to an index table.
type SecondaryIndex struct {
	Label    string
	Property string
	Kind     IndexKind
}

// Name returns the index name used by lookups: "{label}_{property}".
func (s SecondaryIndex) Name() string {
	return s.Label + "_" + s.Property
}

// Table returns the kv table of the index.
func (s SecondaryIndex) Table() kv.Table {
	return kv.Table("secondary_" + s.Name())
}

// Migration rewrites the properties of an item from one schema version to
// the next.
type Migration func(props map[string]Value) (map[string]Value, error)

// Transition is a registered migration step From -> To (To == From+1).
type Transition struct {
	From    uint32
	To      uint32
	Migrate Migration
}

type labelSchema struct {
	latest      uint32
	transitions []Transition
}

// ErrSchemaFrozen is returned when the schema is changed after the engine
// started using it.
var ErrSchemaFrozen = errors.New("schema is frozen")

// SchemaManager holds index definitions, unique edge labels and per-label
// schema versions.
//
// Example:
//
//	schema := storage.NewSchemaManager()
//	schema.AddIndex("person", "email", storage.IndexUnique)
//	schema.AddUniqueEdgeLabel("spouse_of")
//	schema.RegisterTransition("person", 1, 2, func(p map[string]storage.Value) (map[string]storage.Value, error) {
//		p["displayName"] = p["name"]
//		return p, nil
//	})
type SchemaManager struct {
	frozen bool

	byLabel     map[string][]SecondaryIndex
	byName      map[string]SecondaryIndex
	uniqueEdges map[string]struct{}
	versions    map[string]*labelSchema
	text        string
}

// NewSchemaManager returns an empty schema.
func NewSchemaManager() *SchemaManager {
	return &SchemaManager{
		byLabel:     make(map[string][]SecondaryIndex),
		byName:      make(map[string]SecondaryIndex),
		uniqueEdges: make(map[string]struct{}),
		versions:    make(map[string]*labelSchema),
	}
}

// AddIndex declares a secondary index on (label, property).
func (s *SchemaManager) AddIndex(label, property string, kind IndexKind) error {
	if s.frozen {
		return ErrSchemaFrozen
	}
	if label == "" || property == "" {
		return fmt.Errorf("%w: index needs a label and a property", ErrInvalidInput)
	}
	idx := SecondaryIndex{Label: label, Property: property, Kind: kind}
	if _, exists := s.byName[idx.Name()]; exists {
		return fmt.Errorf("%w: index %s already declared", ErrInvalidInput, idx.Name())
	}
	s.byName[idx.Name()] = idx
	s.byLabel[label] = append(s.byLabel[label], idx)
	return nil
}

// AddUniqueEdgeLabel declares that at most one edge of label may connect a
// given (from, to) pair.
func (s *SchemaManager) AddUniqueEdgeLabel(label string) error {
	if s.frozen {
		return ErrSchemaFrozen
	}
	s.uniqueEdges[label] = struct{}{}
	return nil
}

// RegisterTransition registers the migration from -> to for label.
// Transitions must be registered in order: from >= 1, to == from+1 and from
// equal to the label's current latest version.
func (s *SchemaManager) RegisterTransition(label string, from, to uint32, fn Migration) error {
	if s.frozen {
		return ErrSchemaFrozen
	}
	if from < 1 || to != from+1 || fn == nil {
		return fmt.Errorf("%w: transition %d -> %d", ErrInvalidInput, from, to)
	}
	if to > 255 {
		return fmt.Errorf("%w: schema version %d exceeds 255", ErrInvalidInput, to)
	}
	ls := s.versions[label]
	if ls == nil {
		ls = &labelSchema{latest: 1}
		s.versions[label] = ls
	}
	if from != ls.latest {
		return fmt.Errorf("%w: %s is at version %d, cannot register %d -> %d",
			ErrInvalidInput, label, ls.latest, from, to)
	}
	ls.transitions = append(ls.transitions, Transition{From: from, To: to, Migrate: fn})
	ls.latest = to
	return nil
}

// SetText stores the pre-rendered schema text persisted with the database.
func (s *SchemaManager) SetText(text string) error {
	if s.frozen {
		return ErrSchemaFrozen
	}
	s.text = text
	return nil
}

// Text returns the schema text.
func (s *SchemaManager) Text() string {
	return s.text
}

// Freeze makes the schema immutable.
func (s *SchemaManager) Freeze() {
	s.frozen = true
}

// Indexes returns the indexes declared for label.
func (s *SchemaManager) Indexes(label string) []SecondaryIndex {
	return s.byLabel[label]
}

// Index returns the index with the given name.
func (s *SchemaManager) Index(name string) (SecondaryIndex, bool) {
	idx, ok := s.byName[name]
	return idx, ok
}

// AllIndexes returns every index sorted by name.
func (s *SchemaManager) AllIndexes() []SecondaryIndex {
	out := make([]SecondaryIndex, 0, len(s.byName))
	for _, idx := range s.byName {
		out = append(out, idx)
	}
	slices.SortFunc(out, func(a, b SecondaryIndex) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// IsUniqueEdgeLabel reports whether label was declared unique.
func (s *SchemaManager) IsUniqueEdgeLabel(label string) bool {
	_, ok := s.uniqueEdges[label]
	return ok
}

// LatestVersion returns the current schema version of label (1 when no
// transition is registered).
func (s *SchemaManager) LatestVersion(label string) uint32 {
	if ls := s.versions[label]; ls != nil {
		return ls.latest
	}
	return 1
}

// Migrate upgrades props stored at version to the latest version of label by
// applying the registered transitions in order.
func (s *SchemaManager) Migrate(label string, version uint32, props map[string]Value) (map[string]Value, uint32, error) {
	latest := s.LatestVersion(label)
	if version == latest {
		return props, version, nil
	}
	if version > latest || version == 0 {
		return nil, 0, fmt.Errorf("%w: %s stored at version %d, latest is %d", ErrDecode, label, version, latest)
	}
	ls := s.versions[label]
	for _, t := range ls.transitions {
		if t.From < version {
			continue
		}
		if t.From != version {
			return nil, 0, fmt.Errorf("%w: no transition from version %d of %s", ErrDecode, version, label)
		}
		if props == nil {
			props = make(map[string]Value)
		}
		next, err := t.Migrate(props)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: migrating %s %d -> %d: %w", ErrDecode, label, t.From, t.To, err)
		}
		props, version = next, t.To
	}
	return props, version, nil
}

// Persist writes the version of every label plus the schema text to the
// version_info table. Must run in a write transaction.
func (s *SchemaManager) Persist(txn *kv.Txn) error {
	for label, ls := range s.versions {
		val := binary.LittleEndian.AppendUint32(nil, ls.latest)
		val = binary.LittleEndian.AppendUint32(val, uint32(len(ls.transitions)))
		if err := txn.Put(VersionInfoTable, []byte("label:"+label), val); err != nil {
			return err
		}
	}
	return txn.Put(VersionInfoTable, []byte("schema"), []byte(s.text))
}

// StoredVersion reads the persisted latest version of label (0 when absent).
func StoredVersion(txn *kv.Txn, label string) (uint32, error) {
	raw, err := txn.Get(VersionInfoTable, []byte("label:"+label))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) < 4 {
		return 0, fmt.Errorf("%w: version info of %s", ErrDecode, label)
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// StoredSchemaText reads the persisted schema text.
func StoredSchemaText(txn *kv.Txn) (string, error) {
	raw, err := txn.Get(VersionInfoTable, []byte("schema"))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	return string(raw), err
}
