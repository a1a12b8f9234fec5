package storage

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/search"
)

func setupTestEngine(t *testing.T, schema *SchemaManager) *Engine {
	t.Helper()
	env, err := kv.Open(kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	e, err := NewEngine(env, Options{
		Schema:          schema,
		BM25Enabled:     true,
		HNSW:            search.HNSWConfig{M: 4, EfConstruction: 32, EfSearch: 32},
		DecodeCacheSize: 64,
	})
	require.NoError(t, err)
	return e
}

func mustPutNode(t *testing.T, e *Engine, label string, props map[string]Value) ID {
	t.Helper()
	n := &Node{Label: label, Properties: props}
	require.NoError(t, e.Update(func(txn *kv.Txn) error { return e.PutNode(txn, n) }))
	return n.ID
}

func mustPutEdge(t *testing.T, e *Engine, label string, from, to ID) ID {
	t.Helper()
	edge := &Edge{Label: label, From: from, To: to}
	require.NoError(t, e.Update(func(txn *kv.Txn) error { return e.PutEdge(txn, edge) }))
	return edge.ID
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) EntityChanged(_ *kv.Txn, vault string, id ID, reason StaleReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, vault+"/"+id.String()+"/"+string(reason))
	return nil
}

func TestEngine_NodeLifecycle(t *testing.T) {
	e := setupTestEngine(t, nil)
	id := mustPutNode(t, e, "person", map[string]Value{"name": String("alice")})

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		n, err := e.GetNode(txn, id)
		require.NoError(t, err)
		assert.Equal(t, "person", n.Label)
		assert.Equal(t, uint32(1), n.Version)

		label, err := e.NodeLabel(txn, id)
		require.NoError(t, err)
		assert.Equal(t, "person", label)
		return nil
	}))

	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		return e.UpdateNode(txn, &Node{ID: id, Properties: map[string]Value{"name": String("alicia")}})
	}))
	require.NoError(t, e.Update(func(txn *kv.Txn) error { return e.DeleteNode(txn, id) }))

	err := e.View(func(txn *kv.Txn) error {
		_, err := e.GetNode(txn, id)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestEngine_PutNodeRejectsDuplicateID(t *testing.T) {
	e := setupTestEngine(t, nil)
	id := mustPutNode(t, e, "person", nil)

	err := e.Update(func(txn *kv.Txn) error {
		return e.PutNode(txn, &Node{ID: id, Label: "person"})
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestEngine_WriteOnReadTxnRejected(t *testing.T) {
	e := setupTestEngine(t, nil)
	err := e.View(func(txn *kv.Txn) error {
		return e.PutNode(txn, &Node{Label: "person"})
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEngine_ScanNodesByLabel(t *testing.T) {
	e := setupTestEngine(t, nil)
	var people []ID
	for range 3 {
		people = append(people, mustPutNode(t, e, "person", nil))
	}
	mustPutNode(t, e, "place", nil)

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		var got []ID
		for n, err := range e.ScanNodes(txn, "person") {
			require.NoError(t, err)
			got = append(got, n.ID)
		}
		assert.Equal(t, people, got, "v6 ids scan in creation order")

		count, err := e.NodeCount(txn)
		require.NoError(t, err)
		assert.Equal(t, 4, count)
		return nil
	}))
}

func TestEngine_EdgeIndexConsistency(t *testing.T) {
	e := setupTestEngine(t, nil)
	a := mustPutNode(t, e, "person", nil)
	b := mustPutNode(t, e, "person", nil)
	c := mustPutNode(t, e, "person", nil)
	ab := mustPutEdge(t, e, "knows", a, b)
	ac := mustPutEdge(t, e, "likes", a, c)

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		var knows []Adjacency
		for adj, err := range e.OutEdges(txn, a, "knows") {
			require.NoError(t, err)
			knows = append(knows, adj)
		}
		require.Len(t, knows, 1)
		assert.Equal(t, ab, knows[0].EdgeID)
		assert.Equal(t, b, knows[0].Other)
		assert.Equal(t, LabelHash("knows"), knows[0].LabelHash)

		all, err := e.OutAdjacency(txn, a)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		var in []Adjacency
		for adj, err := range e.InEdges(txn, c, "") {
			require.NoError(t, err)
			in = append(in, adj)
		}
		require.Len(t, in, 1)
		assert.Equal(t, ac, in[0].EdgeID)
		assert.Equal(t, a, in[0].Other)

		deg, err := e.Degree(txn, a)
		require.NoError(t, err)
		assert.Equal(t, 2, deg)
		return nil
	}))

	// Deleting a node removes its incident edges from both indexes.
	require.NoError(t, e.Update(func(txn *kv.Txn) error { return e.DeleteNode(txn, a) }))
	require.NoError(t, e.View(func(txn *kv.Txn) error {
		for _, n := range []ID{b, c} {
			deg, err := e.Degree(txn, n)
			require.NoError(t, err)
			assert.Zero(t, deg)
		}
		_, err := e.GetEdge(txn, ab)
		assert.ErrorIs(t, err, ErrNotFound)
		count, err := e.EdgeCount(txn)
		require.NoError(t, err)
		assert.Zero(t, count)
		return nil
	}))
}

func TestEngine_EdgeRequiresEndpoints(t *testing.T) {
	e := setupTestEngine(t, nil)
	a := mustPutNode(t, e, "person", nil)
	err := e.Update(func(txn *kv.Txn) error {
		return e.PutEdge(txn, &Edge{Label: "knows", From: a, To: NewID()})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_UniqueEdgeLabel(t *testing.T) {
	schema := NewSchemaManager()
	require.NoError(t, schema.AddUniqueEdgeLabel("spouse_of"))
	e := setupTestEngine(t, schema)
	a := mustPutNode(t, e, "person", nil)
	b := mustPutNode(t, e, "person", nil)
	mustPutEdge(t, e, "spouse_of", a, b)
	mustPutEdge(t, e, "knows", a, b)
	mustPutEdge(t, e, "knows", a, b)

	err := e.Update(func(txn *kv.Txn) error {
		return e.PutEdge(txn, &Edge{Label: "spouse_of", From: a, To: b})
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestEngine_UpdateEdge(t *testing.T) {
	e := setupTestEngine(t, nil)
	a := mustPutNode(t, e, "person", nil)
	b := mustPutNode(t, e, "person", nil)
	id := mustPutEdge(t, e, "knows", a, b)

	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		return e.UpdateEdge(txn, &Edge{ID: id, Properties: map[string]Value{"since": I64(2020)}})
	}))
	require.NoError(t, e.View(func(txn *kv.Txn) error {
		edge, err := e.GetEdge(txn, id)
		require.NoError(t, err)
		since, ok := edge.Property("since").AsInt()
		assert.True(t, ok)
		assert.Equal(t, int64(2020), since)
		return nil
	}))

	err := e.Update(func(txn *kv.Txn) error {
		return e.UpdateEdge(txn, &Edge{ID: id, To: a})
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEngine_SecondaryIndexFaithful(t *testing.T) {
	schema := NewSchemaManager()
	require.NoError(t, schema.AddIndex("person", "email", IndexUnique))
	require.NoError(t, schema.AddIndex("person", "city", IndexMulti))
	e := setupTestEngine(t, schema)

	a := mustPutNode(t, e, "person", map[string]Value{"email": String("a@x"), "city": String("paris")})
	b := mustPutNode(t, e, "person", map[string]Value{"email": String("b@x"), "city": String("paris")})

	err := e.Update(func(txn *kv.Txn) error {
		return e.PutNode(txn, &Node{Label: "person", Properties: map[string]Value{"email": String("a@x")}})
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		return e.UpdateNode(txn, &Node{ID: b, Properties: map[string]Value{"email": String("b@x"), "city": String("rome")}})
	}))

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		ids, err := e.IndexLookup(txn, "person_city", String("paris"))
		require.NoError(t, err)
		assert.Equal(t, []ID{a}, ids)

		ids, err = e.IndexLookup(txn, "person_email", String("b@x"))
		require.NoError(t, err)
		assert.Equal(t, []ID{b}, ids)

		// Every index entry points at a node that carries the value.
		for _, idx := range schema.AllIndexes() {
			for ent, err := range e.IndexEntries(txn, idx) {
				require.NoError(t, err)
				n, err := e.GetNode(txn, ent.ID)
				require.NoError(t, err)
				assert.True(t, n.Property(idx.Property).Equal(ent.Key))
			}
		}
		return nil
	}))

	err = e.View(func(txn *kv.Txn) error {
		_, err := e.IndexLookup(txn, "person_age", I64(1))
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_FailedWriteLeavesNoPartialState(t *testing.T) {
	schema := NewSchemaManager()
	require.NoError(t, schema.AddIndex("person", "email", IndexUnique))
	e := setupTestEngine(t, schema)
	mustPutNode(t, e, "person", map[string]Value{"email": String("a@x")})

	err := e.Update(func(txn *kv.Txn) error {
		if err := e.PutNode(txn, &Node{Label: "person", Properties: map[string]Value{"name": String("ok")}}); err != nil {
			return err
		}
		_ = e.PutNode(txn, &Node{Label: "person", Properties: map[string]Value{"email": String("a@x")}})
		return nil
	})
	assert.ErrorIs(t, err, kv.ErrTxnAborted)

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		count, err := e.NodeCount(txn)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		return nil
	}))
}

func TestEngine_LazyMigration(t *testing.T) {
	schema := NewSchemaManager()
	require.NoError(t, schema.RegisterTransition("person", 1, 2, func(p map[string]Value) (map[string]Value, error) {
		p["displayName"] = p["name"]
		return p, nil
	}))
	e := setupTestEngine(t, schema)

	old := &Node{Label: "person", Version: 1, Properties: map[string]Value{"name": String("bob")}}
	require.NoError(t, e.Update(func(txn *kv.Txn) error { return e.PutNode(txn, old) }))

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		n, err := e.GetNode(txn, old.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), n.Version)
		name, _ := n.Property("displayName").AsString()
		assert.Equal(t, "bob", name)

		v, err := StoredVersion(txn, "person")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), v)
		return nil
	}))
}

func TestEngine_Observers(t *testing.T) {
	e := setupTestEngine(t, nil)
	obs := &recordingObserver{}
	e.AddObserver(obs)

	a := mustPutNode(t, e, "person", map[string]Value{VaultProperty: String("v1")})
	b := mustPutNode(t, e, "person", map[string]Value{VaultProperty: String("v1")})
	edge := mustPutEdge(t, e, "knows", a, b)
	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		return e.UpdateEdge(txn, &Edge{ID: edge, Properties: map[string]Value{"weight": F64(0.5)}})
	}))
	require.NoError(t, e.Update(func(txn *kv.Txn) error { return e.DeleteEdge(txn, edge) }))

	assert.Equal(t, []string{
		"v1/" + a.String() + "/EdgeAdded",
		"v1/" + b.String() + "/EdgeAdded",
		"v1/" + a.String() + "/EntityUpdated",
		"v1/" + b.String() + "/EntityUpdated",
		"v1/" + a.String() + "/EdgeRemoved",
		"v1/" + b.String() + "/EdgeRemoved",
	}, obs.events)
}

type failingObserver struct{}

func (failingObserver) EntityChanged(*kv.Txn, string, ID, StaleReason) error {
	return errors.New("observer down")
}

func TestEngine_ObserverErrorAborts(t *testing.T) {
	e := setupTestEngine(t, nil)
	a := mustPutNode(t, e, "person", nil)
	b := mustPutNode(t, e, "person", nil)
	e.AddObserver(failingObserver{})

	err := e.Update(func(txn *kv.Txn) error {
		return e.PutEdge(txn, &Edge{Label: "knows", From: a, To: b})
	})
	require.Error(t, err)
	require.NoError(t, e.View(func(txn *kv.Txn) error {
		count, err := e.EdgeCount(txn)
		require.NoError(t, err)
		assert.Zero(t, count)
		return nil
	}))
}

func TestEngine_BM25IndexesNodes(t *testing.T) {
	e := setupTestEngine(t, nil)
	a := mustPutNode(t, e, "doc", map[string]Value{"title": String("graph databases are fun")})
	mustPutNode(t, e, "doc", map[string]Value{"title": String("cooking pasta")})

	require.NoError(t, e.View(func(txn *kv.Txn) error {
		hits, err := e.Text().Search(txn, "doc", "graph", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, search.ID(a), hits[0].ID)
		return nil
	}))

	require.NoError(t, e.Update(func(txn *kv.Txn) error { return e.DeleteNode(txn, a) }))
	require.NoError(t, e.View(func(txn *kv.Txn) error {
		hits, err := e.Text().Search(txn, "doc", "graph", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
		return nil
	}))
}
