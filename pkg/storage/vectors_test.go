package storage

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/pool"
)

func mustPutVector(t *testing.T, e *Engine, label string, data []float32, props map[string]Value) ID {
	t.Helper()
	v := &Vector{Label: label, Data: data, Properties: props}
	require.NoError(t, e.Update(func(txn *kv.Txn) error { return e.PutVector(txn, v) }))
	return v.ID
}

func randomVectors(n, dim int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
		for j := range out[i] {
			out[i][j] = rng.Float32()*2 - 1
		}
	}
	return out
}

func TestVectors_PutGet(t *testing.T) {
	e := setupTestEngine(t, nil)
	id := mustPutVector(t, e, "doc", []float32{1, 0, 0}, map[string]Value{"title": String("x")})

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		meta, err := e.GetVectorMetadata(txn, id, "doc")
		require.NoError(t, err)
		assert.Nil(t, meta.Data)
		assert.False(t, meta.Deleted)

		arena := pool.NewArena()
		defer arena.Release()
		data, err := e.GetRawVectorData(txn, id, "doc", arena)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0}, data)

		// Second read is served by the decode cache.
		v, err := e.GetVector(txn, id, "", true, nil)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0}, v.Data)

		_, err = e.GetVectorMetadata(txn, id, "image")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestVectors_RejectsEmptyData(t *testing.T) {
	e := setupTestEngine(t, nil)
	err := e.Update(func(txn *kv.Txn) error {
		return e.PutVector(txn, &Vector{Label: "doc"})
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVectors_TombstoneIsolation(t *testing.T) {
	e := setupTestEngine(t, nil)
	vecs := randomVectors(40, 8, 7)
	ids := make([]ID, len(vecs))
	for i, v := range vecs {
		ids[i] = mustPutVector(t, e, "doc", v, nil)
	}

	deleted := map[ID]bool{}
	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		for i := 0; i < len(ids); i += 3 {
			if err := e.DeleteVector(txn, ids[i]); err != nil {
				return err
			}
			deleted[ids[i]] = true
		}
		return nil
	}))

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		res, err := e.SearchVectors(txn, "doc", vecs[0], 10, nil)
		require.NoError(t, err)
		require.NotEmpty(t, res.Matches)
		for _, m := range res.Matches {
			assert.False(t, deleted[m.Vector.ID], "tombstoned vector returned")
			assert.NotNil(t, m.Vector.Data)
		}
		assert.GreaterOrEqual(t, res.Tombstones, 1)

		_, err = e.GetRawVectorData(txn, ids[0], "doc", nil)
		assert.ErrorIs(t, err, ErrVectorDeleted)
		assert.Equal(t, KindVectorDeleted, KindOf(err))

		count, err := e.VectorCount(txn)
		require.NoError(t, err)
		assert.Equal(t, len(ids)-len(deleted), count)
		return nil
	}))

	err := e.Update(func(txn *kv.Txn) error { return e.DeleteVector(txn, ids[0]) })
	assert.ErrorIs(t, err, ErrVectorDeleted)
}

func TestVectors_SearchFilter(t *testing.T) {
	e := setupTestEngine(t, nil)
	for i, v := range randomVectors(30, 4, 11) {
		mustPutVector(t, e, "doc", v, map[string]Value{"even": Bool(i%2 == 0)})
	}

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		res, err := e.SearchVectors(txn, "doc", []float32{1, 1, 1, 1}, 5, func(v *Vector) bool {
			even, _ := v.Property("even").AsBool()
			return even
		})
		require.NoError(t, err)
		require.NotEmpty(t, res.Matches)
		for _, m := range res.Matches {
			even, _ := m.Vector.Property("even").AsBool()
			assert.True(t, even)
		}
		return nil
	}))
}

func TestVectors_Compact(t *testing.T) {
	e := setupTestEngine(t, nil)
	vecs := randomVectors(20, 6, 3)
	ids := make([]ID, len(vecs))
	for i, v := range vecs {
		ids[i] = mustPutVector(t, e, "doc", v, nil)
	}
	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		for _, id := range ids[:5] {
			if err := e.DeleteVector(txn, id); err != nil {
				return err
			}
		}
		return nil
	}))

	var stats CompactionStats
	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		var err error
		stats, err = e.CompactVectors(txn, "doc")
		return err
	}))
	assert.Equal(t, 5, stats.Removed)
	assert.Equal(t, 15, stats.Reindexed)

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		res, err := e.SearchVectors(txn, "doc", vecs[10], 3, nil)
		require.NoError(t, err)
		require.NotEmpty(t, res.Matches)
		assert.Equal(t, ids[10], res.Matches[0].Vector.ID)
		assert.Zero(t, res.Tombstones)

		_, err = e.GetVectorMetadata(txn, ids[0], "")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestVectors_UpdateProperties(t *testing.T) {
	schema := NewSchemaManager()
	require.NoError(t, schema.AddIndex("doc", "topic", IndexMulti))
	e := setupTestEngine(t, schema)
	id := mustPutVector(t, e, "doc", []float32{0, 1}, map[string]Value{"topic": String("go")})

	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		return e.UpdateVector(txn, id, map[string]Value{"topic": String("rust")})
	}))
	require.NoError(t, e.View(func(txn *kv.Txn) error {
		for topic, want := range map[string]int{"go": 0, "rust": 1} {
			ids, err := e.IndexLookup(txn, "doc_topic", String(topic))
			require.NoError(t, err)
			assert.Len(t, ids, want, fmt.Sprintf("topic %s", topic))
		}
		return nil
	}))
}
