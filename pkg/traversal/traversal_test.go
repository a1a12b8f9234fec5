package traversal

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/pool"
	"github.com/orneryd/mosaicdb/pkg/ppr"
	"github.com/orneryd/mosaicdb/pkg/rerank"
	"github.com/orneryd/mosaicdb/pkg/search"
	"github.com/orneryd/mosaicdb/pkg/storage"
)

func setupTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	env, err := kv.Open(kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	schema := storage.NewSchemaManager()
	require.NoError(t, schema.AddIndex("person", "email", storage.IndexUnique))
	require.NoError(t, schema.AddIndex("person", "team", storage.IndexMulti))

	e, err := storage.NewEngine(env, storage.Options{
		Schema:      schema,
		BM25Enabled: true,
		HNSW:        search.HNSWConfig{M: 4, EfConstruction: 32, EfSearch: 32},
	})
	require.NoError(t, err)
	return e
}

func write(t *testing.T, e *storage.Engine, fn func(g *G) error) {
	t.Helper()
	require.NoError(t, e.Update(func(txn *kv.Txn) error { return fn(New(e, txn)) }))
}

func read(t *testing.T, e *storage.Engine, fn func(g *G) error) {
	t.Helper()
	require.NoError(t, e.View(func(txn *kv.Txn) error { return fn(New(e, txn)) }))
}

func addNode(t *testing.T, e *storage.Engine, label string, props map[string]storage.Value) storage.ID {
	t.Helper()
	var id storage.ID
	write(t, e, func(g *G) error {
		v, err := g.AddN(label, props).CollectToObj()
		id = v.ID()
		return err
	})
	return id
}

func addEdge(t *testing.T, e *storage.Engine, label string, from, to storage.ID) storage.ID {
	t.Helper()
	var id storage.ID
	write(t, e, func(g *G) error {
		v, err := g.AddE(label, from, to, nil).CollectToObj()
		id = v.ID()
		return err
	})
	return id
}

func ids(vals []Value) []storage.ID {
	out := make([]storage.ID, len(vals))
	for i, v := range vals {
		out[i] = v.ID()
	}
	return out
}

func name(s string) map[string]storage.Value {
	return map[string]storage.Value{"name": storage.String(s)}
}

func TestTraversal_OutNodeInsertionOrder(t *testing.T) {
	e := setupTestEngine(t)
	root := addNode(t, e, "root", nil)
	var kids []storage.ID
	for i := range 4 {
		kid := addNode(t, e, "child", name(fmt.Sprintf("c%d", i)))
		addEdge(t, e, "child_of", root, kid)
		kids = append(kids, kid)
	}
	other := addNode(t, e, "child", nil)
	addEdge(t, e, "likes", root, other)

	read(t, e, func(g *G) error {
		vals, err := g.NFromID(root).OutNode("child_of").Collect()
		require.NoError(t, err)
		assert.Equal(t, kids, ids(vals))

		all, err := g.NFromID(root).OutNode("").Count()
		require.NoError(t, err)
		assert.Equal(t, 5, all)

		back, err := g.NFromID(kids[2]).InNode("child_of").Collect()
		require.NoError(t, err)
		assert.Equal(t, []storage.ID{root}, ids(back))

		edges, err := g.NFromID(root).OutE("likes").ToNode().Collect()
		require.NoError(t, err)
		assert.Equal(t, []storage.ID{other}, ids(edges))

		from, err := g.NFromID(other).InE("likes").FromNode().Collect()
		require.NoError(t, err)
		assert.Equal(t, []storage.ID{root}, ids(from))
		return nil
	})
}

func TestTraversal_StepShapeErrors(t *testing.T) {
	e := setupTestEngine(t)
	a := addNode(t, e, "n", nil)
	b := addNode(t, e, "n", nil)
	addEdge(t, e, "x", a, b)

	read(t, e, func(g *G) error {
		_, err := g.NFromID(a).OutE("x").OutNode("x").Collect()
		assert.ErrorIs(t, err, ErrUnexpectedValue)
		assert.ErrorIs(t, err, storage.ErrInvalidInput)

		_, err = g.NFromID(a).ToNode().Collect()
		assert.ErrorIs(t, err, ErrUnexpectedValue)
		return nil
	})
}

func TestTraversal_SourcesEdgeCases(t *testing.T) {
	e := setupTestEngine(t)
	alice := addNode(t, e, "person", map[string]storage.Value{
		"email": storage.String("alice@example.com"), "team": storage.String("core"),
	})
	bob := addNode(t, e, "person", map[string]storage.Value{
		"email": storage.String("bob@example.com"), "team": storage.String("core"),
	})

	read(t, e, func(g *G) error {
		n, err := g.NFromType("nope").Count()
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = g.NFromID(storage.NewID()).Collect()
		assert.ErrorIs(t, err, storage.ErrNotFound)

		one, err := g.NFromIndex("person_email", storage.String("bob@example.com")).CollectToObj()
		require.NoError(t, err)
		assert.Equal(t, bob, one.ID())

		team, err := g.NFromIndex("person_team", storage.String("core")).Count()
		require.NoError(t, err)
		assert.Equal(t, 2, team)

		missing, err := g.NFromID(alice).Property("nickname").CollectToObj()
		require.NoError(t, err)
		assert.Equal(t, KindProperty, missing.Kind)
		assert.True(t, missing.Prop.IsEmpty())

		_, err = g.NFromType("person").CollectToObj()
		assert.ErrorIs(t, err, storage.ErrInvalidInput)
		return nil
	})
}

func TestTraversal_FilterErrorShortCircuits(t *testing.T) {
	e := setupTestEngine(t)
	for i := range 5 {
		addNode(t, e, "n", map[string]storage.Value{"i": storage.I64(int64(i))})
	}
	boom := errors.New("boom")

	read(t, e, func(g *G) error {
		calls := 0
		vals, err := g.NFromType("n").Filter(func(v Value) (bool, error) {
			calls++
			if calls == 3 {
				return false, boom
			}
			return true, nil
		}).Collect()
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, vals)
		assert.Equal(t, 3, calls)
		return nil
	})
}

func TestTraversal_RangeOrderDedup(t *testing.T) {
	e := setupTestEngine(t)
	hub := addNode(t, e, "hub", nil)
	for _, age := range []int64{30, 10, 20, 40} {
		n := addNode(t, e, "person", map[string]storage.Value{"age": storage.I64(age)})
		addEdge(t, e, "knows", hub, n)
		addEdge(t, e, "likes", hub, n)
	}

	read(t, e, func(g *G) error {
		vals, err := g.NFromType("person").OrderBy("age", true).Range(1, 2).Property("age").Collect()
		require.NoError(t, err)
		require.Len(t, vals, 2)
		age0, _ := vals[0].Prop.AsInt()
		age1, _ := vals[1].Prop.AsInt()
		assert.Equal(t, []int64{30, 20}, []int64{age0, age1})

		n, err := g.NFromID(hub).OutNode("").Dedup().Count()
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		older, err := g.NFromType("person").Where(func(v Value) bool {
			age, _ := v.Property("age").AsInt()
			return age > 15
		}).Count()
		require.NoError(t, err)
		assert.Equal(t, 3, older)

		count, err := g.NFromType("person").Has("age", storage.I64(10)).CountToVal().CollectToObj()
		require.NoError(t, err)
		c, _ := count.Prop.AsInt()
		assert.Equal(t, int64(1), c)
		return nil
	})
}

func TestTraversal_ShortestPath(t *testing.T) {
	e := setupTestEngine(t)
	a := addNode(t, e, "n", nil)
	b := addNode(t, e, "n", nil)
	c := addNode(t, e, "n", nil)
	d := addNode(t, e, "n", nil)
	addEdge(t, e, "road", a, b)
	addEdge(t, e, "road", b, c)
	addEdge(t, e, "road", a, d)
	addEdge(t, e, "road", d, c)
	addEdge(t, e, "rail", a, c)

	read(t, e, func(g *G) error {
		v, err := g.NFromID(a).ShortestPathTo(c, "road").CollectToObj()
		require.NoError(t, err)
		require.Equal(t, KindPath, v.Kind)
		assert.Len(t, v.Path.Nodes, 3)
		assert.Len(t, v.Path.Edges, 2)
		assert.Equal(t, a, v.Path.Nodes[0].ID)
		assert.Equal(t, c, v.Path.Nodes[2].ID)

		rail, err := g.NFromID(a).ShortestPathTo(c, "rail").CollectToObj()
		require.NoError(t, err)
		assert.Len(t, rail.Path.Edges, 1)

		_, err = g.NFromID(c).ShortestPathTo(a, "road").Collect()
		assert.ErrorIs(t, err, storage.ErrShortestPathNotFound)
		return nil
	})
}

func TestTraversal_UpdateUpsertDrop(t *testing.T) {
	e := setupTestEngine(t)
	a := addNode(t, e, "person", map[string]storage.Value{"email": storage.String("a@x")})

	write(t, e, func(g *G) error {
		v, err := g.NFromID(a).Update(name("ann")).CollectToObj()
		require.NoError(t, err)
		assert.Equal(t, storage.String("ann"), v.Property("name"))
		assert.Equal(t, storage.String("a@x"), v.Property("email"))
		return nil
	})

	write(t, e, func(g *G) error {
		v, err := g.NFromIndex("person_email", storage.String("b@x")).
			UpsertN("person", map[string]storage.Value{"email": storage.String("b@x")}).CollectToObj()
		require.NoError(t, err)
		assert.False(t, v.ID().IsZero())

		same, err := g.NFromIndex("person_email", storage.String("a@x")).UpsertN("person", name("anna")).CollectToObj()
		require.NoError(t, err)
		assert.Equal(t, a, same.ID())
		return nil
	})

	read(t, e, func(g *G) error {
		n, err := g.NFromType("person").Count()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		v, err := g.NFromID(a).CollectToObj()
		require.NoError(t, err)
		assert.Equal(t, storage.String("anna"), v.Property("name"))
		return nil
	})

	b := addNode(t, e, "person", nil)
	addEdge(t, e, "knows", a, b)
	write(t, e, func(g *G) error {
		dropped, err := g.NFromType("person").Drop()
		require.NoError(t, err)
		assert.Equal(t, 3, dropped)
		return nil
	})
	read(t, e, func(g *G) error {
		n, err := g.EFromType("knows").Count()
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func TestTraversal_WriteOnReadTxnFails(t *testing.T) {
	e := setupTestEngine(t)
	err := e.View(func(txn *kv.Txn) error {
		_, err := New(e, txn).AddN("n", nil).Collect()
		return err
	})
	assert.Error(t, err)
}

func putVector(t *testing.T, e *storage.Engine, label string, data []float32, props map[string]storage.Value) storage.ID {
	t.Helper()
	var id storage.ID
	write(t, e, func(g *G) error {
		v, err := g.InsertV(label, data, props).CollectToObj()
		id = v.ID()
		return err
	})
	return id
}

func TestTraversal_VectorTombstoneIsolation(t *testing.T) {
	e := setupTestEngine(t)
	a := putVector(t, e, "doc", []float32{1, 0}, nil)
	b := putVector(t, e, "doc", []float32{0.9, 0.1}, nil)
	c := putVector(t, e, "doc", []float32{0, 1}, nil)

	write(t, e, func(g *G) error {
		_, err := g.VFromID(a, "doc", false).Drop()
		return err
	})

	read(t, e, func(g *G) error {
		vals, err := g.SearchV("doc", []float32{1, 0}, 3, nil).Collect()
		require.NoError(t, err)
		assert.Equal(t, []storage.ID{b, c}, ids(vals))
		for _, v := range vals {
			assert.Equal(t, KindVector, v.Kind)
			assert.True(t, v.Scored)
		}

		n, err := g.VFromType("doc", false).Count()
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = g.VFromID(a, "doc", true).Collect()
		assert.ErrorIs(t, err, storage.ErrVectorDeleted)

		meta, err := g.VFromID(b, "doc", false).CollectToObj()
		require.NoError(t, err)
		assert.Equal(t, KindVectorWithoutData, meta.Kind)
		return nil
	})
}

func TestTraversal_ArenaValuesAreCopiedOut(t *testing.T) {
	e := setupTestEngine(t)
	id := putVector(t, e, "doc", []float32{0.5, 0.25}, nil)

	arena := pool.NewArena()
	var vals []Value
	require.NoError(t, e.View(func(txn *kv.Txn) error {
		var err error
		vals, err = New(e, txn, WithArena(arena)).VFromID(id, "doc", true).Collect()
		return err
	}))
	arena.Release()
	require.Len(t, vals, 1)
	assert.Equal(t, []float32{0.5, 0.25}, vals[0].Vector.Data)
}

func TestTraversal_SearchBM25AndHybrid(t *testing.T) {
	e := setupTestEngine(t)
	a := putVector(t, e, "doc", []float32{1, 0}, map[string]storage.Value{"text": storage.String("apple pie")})
	putVector(t, e, "doc", []float32{0, 1}, map[string]storage.Value{"text": storage.String("banana split")})
	c := putVector(t, e, "doc", []float32{0.9, 0.1}, map[string]storage.Value{"text": storage.String("cherry tart")})
	note := addNode(t, e, "note", map[string]storage.Value{"text": storage.String("apple orchard")})

	read(t, e, func(g *G) error {
		hits, err := g.SearchBM25("note", "apple", 10).Collect()
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, note, hits[0].ID())
		assert.Equal(t, KindNodeWithScore, hits[0].Kind)
		assert.Greater(t, hits[0].Score, 0.0)

		fused, err := g.SearchHybrid(HybridQuery{
			VectorLabel: "doc", TextLabel: "doc",
			Vector: []float32{1, 0}, Text: "apple", K: 3,
		}).Collect()
		require.NoError(t, err)
		require.Len(t, fused, 3)
		assert.Equal(t, a, fused[0].ID())
		assert.Equal(t, c, fused[1].ID())
		assert.InDelta(t, 2.0/61.0, fused[0].Score, 1e-12)
		return nil
	})
}

func TestTraversal_RerankSteps(t *testing.T) {
	e := setupTestEngine(t)
	a := putVector(t, e, "doc", []float32{1, 0}, nil)
	putVector(t, e, "doc", []float32{0.999, 0.001}, nil)
	c := putVector(t, e, "doc", []float32{0, 1}, map[string]storage.Value{
		rerank.ApprovalStatusProperty: storage.String("rejected"),
	})

	read(t, e, func(g *G) error {
		div, err := g.SearchV("doc", []float32{1, 0}, 3, nil).MMR(0.3, 2).Collect()
		require.NoError(t, err)
		assert.Equal(t, []storage.ID{a, c}, ids(div))

		norm, err := g.SearchV("doc", []float32{1, 0}, 3, nil).Normalize(rerank.MinMax).Collect()
		require.NoError(t, err)
		require.Len(t, norm, 3)
		assert.InDelta(t, 1.0, norm[0].Score, 1e-9)
		assert.InDelta(t, 0.0, norm[2].Score, 1e-9)

		kept, err := g.SearchV("doc", []float32{1, 0}, 3, nil).FilterClaims(rerank.DefaultClaimPolicy()).Collect()
		require.NoError(t, err)
		assert.NotContains(t, ids(kept), c)

		_, err = g.VFromType("doc", false).Boost(rerank.DefaultBoostOptions()).Collect()
		assert.ErrorIs(t, err, rerank.ErrMissingScore)
		return nil
	})
}

func TestTraversal_PPRSource(t *testing.T) {
	e := setupTestEngine(t)
	cache := ppr.NewCache(e)
	e.AddObserver(cache)
	vault := map[string]storage.Value{storage.VaultProperty: storage.String("v")}
	alice := addNode(t, e, "person", vault)
	bob := addNode(t, e, "person", vault)
	addEdge(t, e, "belongs_to", alice, bob)

	q := PPRQuery{Vault: "v", Type: "person", Params: ppr.Params{Seeds: []storage.ID{alice}}}
	var g *G
	require.NoError(t, e.View(func(txn *kv.Txn) error {
		g = New(e, txn, WithPPRCache(cache))
		vals, err := g.PPR(q).Collect()
		require.NoError(t, err)
		assert.Equal(t, ppr.SourceLive, g.LastPPRSource())
		require.Len(t, vals, 2)
		assert.Equal(t, alice, vals[0].ID())
		assert.Equal(t, KindNodeWithScore, vals[1].Kind)
		return nil
	}))

	require.NoError(t, e.Update(func(txn *kv.Txn) error {
		_, err := cache.PopulateEntry(txn, ppr.PopulateRequest{Vault: "v", Type: "person", Seed: alice})
		return err
	}))
	require.NoError(t, e.View(func(txn *kv.Txn) error {
		g = New(e, txn, WithPPRCache(cache))
		_, err := g.PPR(q).Collect()
		require.NoError(t, err)
		assert.Equal(t, ppr.SourceCache, g.LastPPRSource())
		return nil
	}))
}

// Graph growth under concurrent writers and readers: every reader snapshot
// sees exactly the children its edge index holds.
func TestTraversal_ConcurrentGrowth(t *testing.T) {
	e := setupTestEngine(t)
	roots := make([]storage.ID, 5)
	for i := range roots {
		roots[i] = addNode(t, e, "root", name(fmt.Sprintf("root%d", i)))
	}

	duration := 3 * time.Second
	if testing.Short() {
		duration = 300 * time.Millisecond
	}
	const minPerWriter = 34
	deadline := time.Now().Add(duration)

	var (
		wg      sync.WaitGroup
		done    atomic.Bool
		errs    = make(chan error, 6)
		writers sync.WaitGroup
	)
	for w := range 3 {
		wg.Add(1)
		writers.Add(1)
		go func() {
			defer wg.Done()
			defer writers.Done()
			for k := 0; k < minPerWriter || time.Now().Before(deadline); k++ {
				err := e.Update(func(txn *kv.Txn) error {
					g := New(e, txn)
					child, err := g.AddN("child", name(fmt.Sprintf("w%d_n%d", w, k))).CollectToObj()
					if err != nil {
						return err
					}
					_, err = g.AddE("child_of", roots[k%5], child.ID(), nil).Collect()
					return err
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for r := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			root := roots[r%5]
			for !done.Load() {
				err := e.View(func(txn *kv.Txn) error {
					g := New(e, txn)
					children, err := g.NFromID(root).OutNode("child_of").Count()
					if err != nil {
						return err
					}
					edges, err := g.EFromType("child_of").Where(func(v Value) bool {
						return v.Edge.From == root
					}).Count()
					if err != nil {
						return err
					}
					if children != edges {
						return fmt.Errorf("snapshot saw %d children but %d edges", children, edges)
					}
					return nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	writers.Wait()
	done.Store(true)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	read(t, e, func(g *G) error {
		n, err := e.NodeCount(g.Txn())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100)
		return nil
	})
}

func TestTraversal_SingleWriterSerialization(t *testing.T) {
	e := setupTestEngine(t)
	const n = 40

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.Update(func(txn *kv.Txn) error {
				assert.LessOrEqual(t, e.Env().OpenWriters(), 1)
				_, err := New(e, txn).AddN("n", map[string]storage.Value{"i": storage.I64(int64(i))}).Collect()
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, e.Env().PeakWriters(), 1)
	read(t, e, func(g *G) error {
		count, err := g.NFromType("n").Count()
		require.NoError(t, err)
		assert.Equal(t, n, count)
		return nil
	})
}

func TestTraversal_SnapshotIsolation(t *testing.T) {
	e := setupTestEngine(t)
	addNode(t, e, "n", nil)
	addNode(t, e, "n", nil)

	txn, err := e.Env().BeginRead()
	require.NoError(t, err)
	defer txn.Discard()
	g := New(e, txn)

	before, err := g.NFromType("n").Count()
	require.NoError(t, err)
	assert.Equal(t, 2, before)

	for range 5 {
		addNode(t, e, "n", nil)
	}

	after, err := g.NFromType("n").Count()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	read(t, e, func(g *G) error {
		n, err := g.NFromType("n").Count()
		require.NoError(t, err)
		assert.Equal(t, 7, n)
		return nil
	})
}
