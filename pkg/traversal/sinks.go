package traversal

import (
	"fmt"
	"iter"

	"github.com/orneryd/mosaicdb/pkg/storage"
)

func collect(seq iter.Seq2[Value, error]) ([]Value, error) {
	var out []Value
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Collect drains the traversal. Values are copied out of the arena, so
// they stay valid after it is released. The first error discards
// everything collected so far.
func (t *Traversal) Collect() ([]Value, error) {
	vals, err := collect(t.seq)
	if err != nil {
		return nil, err
	}
	for i := range vals {
		vals[i] = vals[i].owned()
	}
	return vals, nil
}

// CollectToValue drains the traversal into one storage value: an array of
// rendered objects.
func (t *Traversal) CollectToValue() (storage.Value, error) {
	vals, err := t.Collect()
	if err != nil {
		return storage.Value{}, err
	}
	arr := make([]storage.Value, len(vals))
	for i, v := range vals {
		if arr[i], err = storage.FromAny(v.Object()); err != nil {
			return storage.Value{}, err
		}
	}
	return storage.Array(arr...), nil
}

// CollectToObj drains a traversal that must yield exactly one value.
func (t *Traversal) CollectToObj() (Value, error) {
	vals, err := t.Collect()
	if err != nil {
		return Value{}, err
	}
	switch len(vals) {
	case 0:
		return Value{}, fmt.Errorf("traversal: %w", storage.ErrNotFound)
	case 1:
		return vals[0], nil
	}
	return Value{}, fmt.Errorf("%w: traversal yielded %d values, want 1", storage.ErrInvalidInput, len(vals))
}

// First returns the first value, or Empty with ok false when the stream is
// empty.
func (t *Traversal) First() (v Value, ok bool, err error) {
	for v, err := range t.seq {
		if err != nil {
			return Value{}, false, err
		}
		return v.owned(), true, nil
	}
	return Empty(), false, nil
}

// Count drains the traversal and returns its length.
func (t *Traversal) Count() (int, error) {
	n := 0
	for _, err := range t.seq {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
