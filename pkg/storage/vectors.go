package storage

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/pool"
	"github.com/orneryd/mosaicdb/pkg/search"
)

// =============================================================================
// Vectors
// =============================================================================

// PutVector stores a new vector: metadata, payload, secondary index entries,
// BM25 document and HNSW links, all in txn.
func (e *Engine) PutVector(txn *kv.Txn, v *Vector) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	if v.Label == "" {
		return txn.Fail(fmt.Errorf("%w: vector label is required", ErrInvalidInput))
	}
	if len(v.Data) == 0 {
		return txn.Fail(fmt.Errorf("%w: vector data is empty", ErrInvalidInput))
	}
	if v.ID.IsZero() {
		v.ID = NewID()
	} else if exists, err := txn.Has(VectorPropsTable, v.ID[:]); err != nil {
		return fail(txn, "put vector", err)
	} else if exists {
		return txn.Fail(fmt.Errorf("%w: vector %s already exists", ErrDuplicateKey, v.ID))
	}
	if v.Version == 0 {
		v.Version = e.schema.LatestVersion(v.Label)
	}
	v.Deleted = false

	meta, err := encodeVectorMeta(v)
	if err != nil {
		return fail(txn, "encoding vector", err)
	}
	if err := txn.Put(VectorPropsTable, v.ID[:], meta); err != nil {
		return err
	}
	if err := txn.Put(VectorDataTable, v.ID[:], encodeFloats(v.Data)); err != nil {
		return err
	}
	if err := e.indexInsert(txn, v.Label, v.ID, v.Properties); err != nil {
		return err
	}
	if err := e.indexText(txn, v.ID, search.DocVector, v.Label, v.Properties); err != nil {
		return err
	}
	if err := e.hnsw.Insert(txn, v.Label, search.ID(v.ID), v.Data); err != nil {
		return fail(txn, "hnsw insert", err)
	}
	return nil
}

func (e *Engine) loadVectorMeta(txn *kv.Txn, id ID, label string) (*Vector, error) {
	raw, err := txn.Get(VectorPropsTable, id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("vector %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if label != "" && !HasLabel(raw, label) {
		return nil, fmt.Errorf("vector %s with label %s: %w", id, label, ErrNotFound)
	}
	v, err := decodeVectorMeta(id, raw)
	if err != nil {
		return nil, err
	}
	if v.Properties, v.Version, err = e.schema.Migrate(v.Label, v.Version, v.Properties); err != nil {
		return nil, fmt.Errorf("vector %s: %w", id, err)
	}
	return v, nil
}

// GetVectorMetadata loads a vector without its payload. An empty label
// matches any label. Tombstoned vectors return ErrVectorDeleted.
func (e *Engine) GetVectorMetadata(txn *kv.Txn, id ID, label string) (*Vector, error) {
	v, err := e.loadVectorMeta(txn, id, label)
	if err != nil {
		return nil, err
	}
	if v.Deleted {
		return nil, fmt.Errorf("vector %s: %w", id, ErrVectorDeleted)
	}
	return v, nil
}

// GetRawVectorData returns the payload of a live vector. When arena is
// non-nil the slice is carved from it and lives until the arena is released.
func (e *Engine) GetRawVectorData(txn *kv.Txn, id ID, label string, arena *pool.Arena) ([]float32, error) {
	if _, err := e.GetVectorMetadata(txn, id, label); err != nil {
		return nil, err
	}
	return e.payload(txn, id, arena)
}

// GetVector loads metadata and, when withData is set, the payload.
func (e *Engine) GetVector(txn *kv.Txn, id ID, label string, withData bool, arena *pool.Arena) (*Vector, error) {
	v, err := e.GetVectorMetadata(txn, id, label)
	if err != nil {
		return nil, err
	}
	if withData {
		if v.Data, err = e.payload(txn, id, arena); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// payload is readPayload for callers outside the engine, who get their own
// copy unless it was carved from arena.
func (e *Engine) payload(txn *kv.Txn, id ID, arena *pool.Arena) ([]float32, error) {
	vec, err := e.readPayload(txn, id, arena)
	if err != nil || arena != nil {
		return vec, err
	}
	return slices.Clone(vec), nil
}

// readPayload decodes a stored payload. Without an arena the result may be
// shared with the decode cache and must not be modified.
func (e *Engine) readPayload(txn *kv.Txn, id ID, arena *pool.Arena) ([]float32, error) {
	raw, version, err := txn.GetVersioned(VectorDataTable, id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("vector data %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	cacheable := e.vectors != nil && !txn.Writable()
	key := id.String()
	if cacheable {
		if vec, ok := e.vectors.Get(key, version); ok {
			if arena == nil {
				return vec, nil
			}
			return append(arena.Float32s(len(vec))[:0], vec...), nil
		}
	}
	var dst []float32
	if arena != nil {
		dst = arena.Float32s(len(raw) / 4)
	}
	vec, err := decodeFloats(raw, dst)
	if err != nil {
		return nil, fmt.Errorf("vector %s: %w", id, err)
	}
	if cacheable {
		e.vectors.Put(key, version, append([]float32(nil), vec...))
	}
	return vec, nil
}

// UpdateVector replaces the properties of a live vector. The payload and
// HNSW links are unchanged.
func (e *Engine) UpdateVector(txn *kv.Txn, id ID, props map[string]Value) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	old, err := e.GetVectorMetadata(txn, id, "")
	if err != nil {
		return fail(txn, "update vector", err)
	}
	if err := e.indexRemove(txn, old.Label, id, old.Properties); err != nil {
		return err
	}
	updated := &Vector{ID: id, Label: old.Label, Version: e.schema.LatestVersion(old.Label), Properties: props}
	meta, err := encodeVectorMeta(updated)
	if err != nil {
		return fail(txn, "encoding vector", err)
	}
	if err := txn.Put(VectorPropsTable, id[:], meta); err != nil {
		return err
	}
	if err := e.indexInsert(txn, old.Label, id, props); err != nil {
		return err
	}
	if err := e.indexText(txn, id, search.DocVector, old.Label, props); err != nil {
		return err
	}
	return e.notifyVaults(txn, id, ReasonEntityUpdated, vaultOf(old.Properties), vaultOf(props))
}

// DeleteVector tombstones a vector. Its payload and HNSW links stay so that
// searches can still route through it until CompactVectors runs.
func (e *Engine) DeleteVector(txn *kv.Txn, id ID) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	raw, err := txn.Get(VectorPropsTable, id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return txn.Fail(fmt.Errorf("vector %s: %w", id, ErrNotFound))
	}
	if err != nil {
		return err
	}
	off, err := vectorDeletedOffset(raw)
	if err != nil {
		return fail(txn, "delete vector", err)
	}
	if raw[off] == 1 {
		return txn.Fail(fmt.Errorf("vector %s: %w", id, ErrVectorDeleted))
	}
	v, err := decodeVectorMeta(id, raw)
	if err != nil {
		return fail(txn, "delete vector", err)
	}
	rec := append([]byte(nil), raw...)
	rec[off] = 1
	if err := txn.Put(VectorPropsTable, id[:], rec); err != nil {
		return err
	}
	if err := e.indexRemove(txn, v.Label, id, v.Properties); err != nil {
		return err
	}
	if err := e.unindexText(txn, id); err != nil {
		return err
	}
	return e.notify(txn, vaultOf(v.Properties), id, ReasonEntityUpdated)
}

// VectorMatch is one live vector returned by SearchVectors.
type VectorMatch struct {
	Vector   *Vector
	Distance float32
	Score    float64
}

// VectorSearchResult carries the matches and traversal counters.
type VectorSearchResult struct {
	Matches    []VectorMatch
	Visited    int
	Tombstones int
}

// SearchVectors runs an approximate top-k search over the vectors of label.
// filter, when set, sees each candidate's metadata; a false return excludes
// the candidate. Matches carry their payload.
func (e *Engine) SearchVectors(txn *kv.Txn, label string, q []float32, k int, filter func(*Vector) bool) (VectorSearchResult, error) {
	var pred search.Predicate
	if filter != nil {
		pred = func(sid search.ID) (bool, error) {
			v, err := e.loadVectorMeta(txn, ID(sid), "")
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return filter(v), nil
		}
	}
	res, err := e.hnsw.Search(txn, label, q, k, pred)
	if err != nil {
		return VectorSearchResult{}, err
	}
	out := VectorSearchResult{
		Matches:    make([]VectorMatch, 0, len(res.Hits)),
		Visited:    res.Visited,
		Tombstones: res.Tombstones,
	}
	for _, hit := range res.Hits {
		v, err := e.GetVector(txn, ID(hit.ID), label, true, nil)
		if errors.Is(err, ErrVectorDeleted) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return VectorSearchResult{}, err
		}
		out.Matches = append(out.Matches, VectorMatch{Vector: v, Distance: hit.Distance, Score: hit.Score})
	}
	return out, nil
}

// ScanVectors streams the live vectors of label ("" for all) without
// payloads.
func (e *Engine) ScanVectors(txn *kv.Txn, label string) iter.Seq2[*Vector, error] {
	return func(yield func(*Vector, error) bool) {
		for ent, err := range txn.Scan(VectorPropsTable, nil, kv.ScanOptions{}) {
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
			v, err := decodeVectorMeta(id, ent.Value)
			if err == nil && v.Deleted {
				continue
			}
			if err == nil {
				v.Properties, v.Version, err = e.schema.Migrate(v.Label, v.Version, v.Properties)
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// VectorCount returns the number of live vectors.
func (e *Engine) VectorCount(txn *kv.Txn) (int, error) {
	n := 0
	for _, err := range e.ScanVectors(txn, "") {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// CompactionStats reports what CompactVectors did.
type CompactionStats struct {
	Removed   int
	Reindexed int
}

// CompactVectors rebuilds the HNSW graph of label from its live vectors and
// removes tombstoned records for good.
func (e *Engine) CompactVectors(txn *kv.Txn, label string) (CompactionStats, error) {
	var stats CompactionStats
	if err := requireWrite(txn); err != nil {
		return stats, err
	}
	type liveVec struct {
		id   ID
		data []float32
	}
	var (
		all  []search.ID
		dead []ID
		live []liveVec
	)
	for ent, err := range txn.Scan(VectorPropsTable, nil, kv.ScanOptions{}) {
		if err != nil {
			return stats, fail(txn, "compact", err)
		}
		if !HasLabel(ent.Value, label) {
			continue
		}
		id, err := IDFromBytes(ent.Key)
		if err != nil {
			return stats, fail(txn, "compact", err)
		}
		off, err := vectorDeletedOffset(ent.Value)
		if err != nil {
			return stats, fail(txn, "compact", err)
		}
		all = append(all, search.ID(id))
		if ent.Value[off] == 1 {
			dead = append(dead, id)
			continue
		}
		data, err := e.readPayload(txn, id, nil)
		if err != nil {
			return stats, fail(txn, "compact", err)
		}
		live = append(live, liveVec{id: id, data: data})
	}

	if err := e.hnsw.Drop(txn, label, all); err != nil {
		return stats, fail(txn, "compact", err)
	}
	for _, id := range dead {
		if err := txn.Delete(VectorPropsTable, id[:]); err != nil {
			return stats, err
		}
		if err := txn.Delete(VectorDataTable, id[:]); err != nil {
			return stats, err
		}
	}
	for _, v := range live {
		if err := e.hnsw.Insert(txn, label, search.ID(v.id), v.data); err != nil {
			return stats, fail(txn, "compact reinsert", err)
		}
	}
	stats.Removed = len(dead)
	stats.Reindexed = len(live)
	e.log.WithField("label", label).Infof("compacted vectors: %d removed, %d reindexed", stats.Removed, stats.Reindexed)
	return stats, nil
}

// VectorLabels returns the distinct labels of stored vectors.
func (e *Engine) VectorLabels(txn *kv.Txn) ([]string, error) {
	seen := make(map[string]struct{})
	var labels []string
	for ent, err := range txn.Scan(VectorPropsTable, nil, kv.ScanOptions{}) {
		if err != nil {
			return nil, err
		}
		label, err := RecordLabel(ent.Value)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[string(label)]; ok {
			continue
		}
		seen[string(label)] = struct{}{}
		labels = append(labels, string(label))
	}
	return labels, nil
}

// vectorSource exposes stored payloads to the HNSW index, including those
// of tombstoned vectors.
type vectorSource struct {
	e *Engine
}

func (s vectorSource) RawVector(txn *kv.Txn, id search.ID) ([]float32, error) {
	return s.e.readPayload(txn, ID(id), nil)
}

func (s vectorSource) IsDeleted(txn *kv.Txn, id search.ID) (bool, error) {
	raw, err := txn.Get(VectorPropsTable, id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	off, err := vectorDeletedOffset(raw)
	if err != nil {
		return false, err
	}
	return raw[off] == 1, nil
}
