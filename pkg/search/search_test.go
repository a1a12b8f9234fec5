package search

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mosaicdb/pkg/kv"
)

func setupTestEnv(t *testing.T) *kv.Env {
	t.Helper()
	env, err := kv.Open(kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func testID(n int) ID {
	var id ID
	id[14] = byte(n >> 8)
	id[15] = byte(n)
	return id
}

// =============================================================================
// BM25
// =============================================================================

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42", "x"}, Tokenize("Hello, WORLD! 42 -- x"))
	assert.Empty(t, Tokenize("  ,,, "))
}

func TestBM25_SearchRanksAndFiltersByLabel(t *testing.T) {
	env := setupTestEnv(t)
	idx := NewBM25()

	docs := []Document{
		{ID: testID(1), Kind: DocNode, Label: "note", Text: "graph databases store graph data"},
		{ID: testID(2), Kind: DocNode, Label: "note", Text: "vector search with graph hints"},
		{ID: testID(3), Kind: DocNode, Label: "note", Text: "nothing relevant here"},
		{ID: testID(4), Kind: DocEdge, Label: "link", Text: "graph graph graph"},
	}
	require.NoError(t, env.Update(func(txn *kv.Txn) error {
		for _, d := range docs {
			if err := idx.Index(txn, d); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(txn *kv.Txn) error {
		hits, err := idx.Search(txn, "note", "graph", 10)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, testID(1), hits[0].ID, "higher tf ranks first")
		assert.Equal(t, testID(2), hits[1].ID)
		assert.Greater(t, hits[0].Score, hits[1].Score)
		assert.Equal(t, DocNode, hits[0].Kind)

		all, err := idx.Search(txn, "", "graph", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		top, err := idx.Search(txn, "", "graph", 1)
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, testID(4), top[0].ID)

		docsN, total, err := idx.Stats(txn)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), docsN)
		assert.Equal(t, uint64(5+5+3+3), total)
		return nil
	}))
}

func TestBM25_RemoveAndReindex(t *testing.T) {
	env := setupTestEnv(t)
	idx := NewBM25()

	require.NoError(t, env.Update(func(txn *kv.Txn) error {
		require.NoError(t, idx.Index(txn, Document{ID: testID(1), Kind: DocNode, Text: "alpha beta"}))
		require.NoError(t, idx.Index(txn, Document{ID: testID(2), Kind: DocNode, Text: "alpha"}))
		// Re-indexing replaces the previous text.
		return idx.Index(txn, Document{ID: testID(1), Kind: DocNode, Text: "gamma"})
	}))
	require.NoError(t, env.View(func(txn *kv.Txn) error {
		hits, err := idx.Search(txn, "", "alpha", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, testID(2), hits[0].ID)
		return nil
	}))

	require.NoError(t, env.Update(func(txn *kv.Txn) error {
		require.NoError(t, idx.Remove(txn, testID(2)))
		return idx.Remove(txn, testID(99))
	}))
	require.NoError(t, env.View(func(txn *kv.Txn) error {
		hits, err := idx.Search(txn, "", "alpha", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
		docs, total, err := idx.Stats(txn)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), docs)
		assert.Equal(t, uint64(1), total)
		return nil
	}))
}

func TestBM25_TiesBreakByAscendingID(t *testing.T) {
	env := setupTestEnv(t)
	idx := NewBM25()
	require.NoError(t, env.Update(func(txn *kv.Txn) error {
		for _, n := range []int{5, 3, 9} {
			if err := idx.Index(txn, Document{ID: testID(n), Kind: DocNode, Text: "same words"}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, env.View(func(txn *kv.Txn) error {
		hits, err := idx.Search(txn, "", "same", 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, testID(3), hits[0].ID)
		assert.Equal(t, testID(5), hits[1].ID)
		return nil
	}))
}

// =============================================================================
// HNSW
// =============================================================================

var vecTable = kv.Table("test_vectors")
var tombTable = kv.Table("test_tombstones")

type tableSource struct{}

func (tableSource) RawVector(txn *kv.Txn, id ID) ([]float32, error) {
	raw, err := txn.Get(vecTable, id[:])
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = float32(int8(raw[i*4])) / 16
	}
	return out, nil
}

func (tableSource) IsDeleted(txn *kv.Txn, id ID) (bool, error) {
	return txn.Has(tombTable, id[:])
}

func putTestVector(t *testing.T, txn *kv.Txn, id ID, v []float32) {
	raw := make([]byte, len(v)*4)
	for i, x := range v {
		raw[i*4] = byte(int8(x * 16))
	}
	require.NoError(t, txn.Put(vecTable, id[:], raw))
}

func randomVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.IntN(15)-7) / 16
	}
	if v[0] == 0 {
		v[0] = 1.0 / 16
	}
	return v
}

func buildTestIndex(t *testing.T, env *kv.Env, n int) (*HNSW, map[ID][]float32) {
	t.Helper()
	h := NewHNSW(HNSWConfig{M: 4, EfConstruction: 32, EfSearch: 64}, tableSource{})
	r := rand.New(rand.NewPCG(1, 2))
	vecs := make(map[ID][]float32, n)
	for i := range n {
		id := testID(i + 1)
		v := randomVec(r, 8)
		vecs[id] = v
		require.NoError(t, env.Update(func(txn *kv.Txn) error {
			putTestVector(t, txn, id, v)
			return h.Insert(txn, "doc", id, v)
		}))
	}
	return h, vecs
}

func TestHNSW_NeighborBoundsAndLayerPresence(t *testing.T) {
	env := setupTestEnv(t)
	h, vecs := buildTestIndex(t, env, 120)

	require.NoError(t, env.View(func(txn *kv.Txn) error {
		_, top, ok, err := h.EntryPoint(txn, "doc")
		require.NoError(t, err)
		require.True(t, ok)

		for id := range vecs {
			ns, ok, err := h.Neighbors(txn, id, 0)
			require.NoError(t, err)
			require.True(t, ok, "every vector is present at layer 0")
			assert.LessOrEqual(t, len(ns), h.MaxNeighbors(0))

			for l := 1; l <= top; l++ {
				ns, ok, err := h.Neighbors(txn, id, l)
				require.NoError(t, err)
				if !ok {
					continue
				}
				assert.LessOrEqual(t, len(ns), h.MaxNeighbors(l))
				for _, n := range ns {
					present, err := txn.Has(LayerTable(l), n[:])
					require.NoError(t, err)
					assert.True(t, present, "neighbors exist at the same layer")
				}
			}
		}
		return nil
	}))
}

func TestHNSW_SearchFindsExactMatch(t *testing.T) {
	env := setupTestEnv(t)
	h, vecs := buildTestIndex(t, env, 80)

	require.NoError(t, env.View(func(txn *kv.Txn) error {
		for _, target := range []ID{testID(1), testID(40), testID(80)} {
			res, err := h.Search(txn, "doc", vecs[target], 5, nil)
			require.NoError(t, err)
			require.NotEmpty(t, res.Hits)
			assert.InDelta(t, 0, res.Hits[0].Distance, 1e-5)
			for i := 1; i < len(res.Hits); i++ {
				assert.LessOrEqual(t, res.Hits[i-1].Distance, res.Hits[i].Distance)
			}
		}
		return nil
	}))
}

func TestHNSW_TombstonesAreSkipped(t *testing.T) {
	env := setupTestEnv(t)
	h, vecs := buildTestIndex(t, env, 60)

	target := testID(10)
	require.NoError(t, env.Update(func(txn *kv.Txn) error {
		return txn.Put(tombTable, target[:], nil)
	}))

	require.NoError(t, env.View(func(txn *kv.Txn) error {
		res, err := h.Search(txn, "doc", vecs[target], 10, nil)
		require.NoError(t, err)
		for _, hit := range res.Hits {
			assert.NotEqual(t, target, hit.ID)
		}
		assert.GreaterOrEqual(t, res.Tombstones, 1)
		return nil
	}))
}

func TestHNSW_PredicateFilters(t *testing.T) {
	env := setupTestEnv(t)
	h, vecs := buildTestIndex(t, env, 60)

	even := func(id ID) (bool, error) { return id[15]%2 == 0, nil }
	require.NoError(t, env.View(func(txn *kv.Txn) error {
		res, err := h.Search(txn, "doc", vecs[testID(7)], 5, even)
		require.NoError(t, err)
		for _, hit := range res.Hits {
			assert.Equal(t, byte(0), hit.ID[15]%2)
		}

		_, err = h.Search(txn, "doc", vecs[testID(7)], 5, func(ID) (bool, error) {
			return false, fmt.Errorf("predicate failed")
		})
		assert.Error(t, err)
		return nil
	}))
}

func TestHNSW_PredicateGatesSource(t *testing.T) {
	env := setupTestEnv(t)
	h, vecs := buildTestIndex(t, env, 2)

	require.NoError(t, env.View(func(txn *kv.Txn) error {
		ep, _, ok, err := h.EntryPoint(txn, "doc")
		require.NoError(t, err)
		require.True(t, ok)

		var other ID
		for id := range vecs {
			if id != ep {
				other = id
			}
		}
		notEntry := func(id ID) (bool, error) { return id != ep, nil }

		// The only path to other runs through the rejected entry point.
		res, err := h.Search(txn, "doc", vecs[other], 2, notEntry)
		require.NoError(t, err)
		assert.Empty(t, res.Hits)
		assert.Equal(t, 2, res.Visited)

		res, err = h.Search(txn, "doc", vecs[other], 2, nil)
		require.NoError(t, err)
		assert.Len(t, res.Hits, 2)
		return nil
	}))
}

func TestHNSW_EdgeCases(t *testing.T) {
	env := setupTestEnv(t)
	h, _ := buildTestIndex(t, env, 5)

	require.NoError(t, env.View(func(txn *kv.Txn) error {
		res, err := h.Search(txn, "missing", []float32{1}, 3, nil)
		require.NoError(t, err)
		assert.Empty(t, res.Hits, "unknown label yields no hits")

		_, err = h.Search(txn, "doc", []float32{1, 2}, 3, nil)
		assert.ErrorIs(t, err, ErrDimensionMismatch)

		res, err = h.Search(txn, "doc", []float32{1, 2}, 0, nil)
		require.NoError(t, err)
		assert.Empty(t, res.Hits)
		return nil
	}))

	err := env.Update(func(txn *kv.Txn) error {
		return h.Insert(txn, "doc", testID(1), []float32{1, 0, 0, 0, 0, 0, 0, 0})
	})
	assert.ErrorIs(t, err, ErrAlreadyIndexed)
}

func TestHNSW_Drop(t *testing.T) {
	env := setupTestEnv(t)
	h, vecs := buildTestIndex(t, env, 10)

	ids := make([]ID, 0, len(vecs))
	for id := range vecs {
		ids = append(ids, id)
	}
	require.NoError(t, env.Update(func(txn *kv.Txn) error {
		return h.Drop(txn, "doc", ids)
	}))
	require.NoError(t, env.View(func(txn *kv.Txn) error {
		_, _, ok, err := h.EntryPoint(txn, "doc")
		require.NoError(t, err)
		assert.False(t, ok)
		for _, id := range ids {
			present, err := txn.Has(LayerTable(0), id[:])
			require.NoError(t, err)
			assert.False(t, present)
		}
		return nil
	}))
}

func TestNeighborRecordRoundTrip(t *testing.T) {
	in := []distItem{{id: testID(1), dist: 0.25}, {id: testID(2), dist: 0.5}}
	out, err := decodeNeighbors(encodeNeighbors(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeNeighbors([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorruptIndex)
}
