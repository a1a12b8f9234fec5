package storage

import (
	"errors"
	"fmt"
	"iter"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/pool"
)

// Secondary index layout:
//   - Unique: encoded value -> entity id
//   - Multi:  encoded value + entity id -> empty
//
// The value encoding is prefix-free, so a Multi lookup is a prefix scan.

func (e *Engine) indexInsert(txn *kv.Txn, label string, id ID, props map[string]Value) error {
	scratch := pool.GetByteBuffer()
	defer func() { pool.PutByteBuffer(scratch) }()
	for _, idx := range e.schema.Indexes(label) {
		v, ok := props[idx.Property]
		if !ok || v.IsEmpty() {
			continue
		}
		key, err := AppendValue(scratch[:0], v)
		if err != nil {
			return fail(txn, "encoding index key", err)
		}
		scratch = key
		if idx.Kind == IndexUnique {
			existing, err := txn.Get(idx.Table(), key)
			switch {
			case err == nil:
				owner, err := IDFromBytes(existing)
				if err != nil {
					return fail(txn, "reading unique index", err)
				}
				if owner != id {
					return txn.Fail(fmt.Errorf("%w: %s=%s already used by %s",
						ErrDuplicateKey, idx.Name(), v, owner))
				}
				continue
			case !errors.Is(err, kv.ErrNotFound):
				return fail(txn, "reading unique index", err)
			}
			if err := txn.Put(idx.Table(), key, id[:]); err != nil {
				return err
			}
			continue
		}
		if err := txn.Put(idx.Table(), append(key, id[:]...), nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) indexRemove(txn *kv.Txn, label string, id ID, props map[string]Value) error {
	scratch := pool.GetByteBuffer()
	defer func() { pool.PutByteBuffer(scratch) }()
	for _, idx := range e.schema.Indexes(label) {
		v, ok := props[idx.Property]
		if !ok || v.IsEmpty() {
			continue
		}
		key, err := AppendValue(scratch[:0], v)
		if err != nil {
			return fail(txn, "encoding index key", err)
		}
		scratch = key
		if idx.Kind == IndexUnique {
			existing, err := txn.Get(idx.Table(), key)
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			if err != nil {
				return fail(txn, "reading unique index", err)
			}
			if owner, err := IDFromBytes(existing); err != nil || owner != id {
				continue
			}
			if err := txn.Delete(idx.Table(), key); err != nil {
				return err
			}
			continue
		}
		if err := txn.Delete(idx.Table(), append(key, id[:]...)); err != nil {
			return err
		}
	}
	return nil
}

// IndexLookup returns the ids stored under key in the named index, in key
// order.
func (e *Engine) IndexLookup(txn *kv.Txn, name string, key Value) ([]ID, error) {
	idx, ok := e.schema.Index(name)
	if !ok {
		return nil, fmt.Errorf("index %q: %w", name, ErrNotFound)
	}
	enc, err := EncodeValue(key)
	if err != nil {
		return nil, err
	}
	if idx.Kind == IndexUnique {
		raw, err := txn.Get(idx.Table(), enc)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		id, err := IDFromBytes(raw)
		if err != nil {
			return nil, err
		}
		return []ID{id}, nil
	}
	var ids []ID
	for ent, err := range txn.Scan(idx.Table(), enc, kv.ScanOptions{KeysOnly: true}) {
		if err != nil {
			return nil, err
		}
		id, err := IDFromBytes(ent.Key[len(enc):])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IndexEntry is one (value, id) pair of a secondary index.
type IndexEntry struct {
	Key Value
	ID  ID
}

// IndexEntries streams the full contents of an index.
func (e *Engine) IndexEntries(txn *kv.Txn, idx SecondaryIndex) iter.Seq2[IndexEntry, error] {
	return func(yield func(IndexEntry, error) bool) {
		for ent, err := range txn.Scan(idx.Table(), nil, kv.ScanOptions{}) {
			if err != nil {
				yield(IndexEntry{}, err)
				return
			}
			v, n, err := DecodeValue(ent.Key)
			if err != nil {
				yield(IndexEntry{}, err)
				return
			}
			idBytes := ent.Value
			if idx.Kind == IndexMulti {
				idBytes = ent.Key[n:]
			}
			id, err := IDFromBytes(idBytes)
			if err != nil {
				yield(IndexEntry{}, err)
				return
			}
			if !yield(IndexEntry{Key: v, ID: id}, nil) {
				return
			}
		}
	}
}
