package search

import (
	"cmp"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"

	"github.com/orneryd/mosaicdb/pkg/kv"
)

// HNSW errors.
var (
	ErrDimensionMismatch = errors.New("search: vector dimension mismatch")
	ErrAlreadyIndexed    = errors.New("search: vector already indexed")
	ErrEmptyVector       = errors.New("search: empty vector")
)

// EntryTable maps a vector label to its HNSW entry point (id + top level).
const EntryTable = kv.Table("vector_entry")

// LayerTable returns the table holding neighbor lists of layer l.
func LayerTable(l int) kv.Table {
	return kv.Table("vector_layer_" + strconv.Itoa(l))
}

// HNSWConfig contains configuration parameters for the HNSW index.
type HNSWConfig struct {
	M               int     // Max connections per node per layer above 0 (default: 16); layer 0 allows 2M
	EfConstruction  int     // Candidate list size during construction (default: 128)
	EfSearch        int     // Candidate list size during search (default: 768)
	LevelMultiplier float64 // Level multiplier = 1/ln(M)
}

// DefaultHNSWConfig returns the default HNSW parameters.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  128,
		EfSearch:        768,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

// VectorSource gives the index access to stored payloads. Payloads of
// tombstoned vectors must stay readable so that search can route through them.
type VectorSource interface {
	RawVector(txn *kv.Txn, id ID) ([]float32, error)
	IsDeleted(txn *kv.Txn, id ID) (bool, error)
}

// Predicate decides whether a candidate may be returned by a search.
type Predicate func(id ID) (bool, error)

// VectorHit is one approximate nearest neighbor.
type VectorHit struct {
	ID       ID
	Distance float32
	Score    float64
}

// SearchResult carries the hits plus traversal counters.
type SearchResult struct {
	Hits []VectorHit
	// Visited counts distance evaluations at layer 0.
	Visited int
	// Tombstones counts tombstoned vectors routed through.
	Tombstones int
}

// HNSW is a persistent hierarchical navigable small world index.
//
// One proximity graph exists per vector label. Layer l of every graph lives
// in the table vector_layer_{l}, keyed by vector id; the value is a packed
// array of (f32 distance, id) pairs sorted by distance. A vector exists at
// layer l exactly when it has a record in that table.
//
// HNSW is stateless between calls. Inserts require the write transaction,
// which the substrate serializes, so no locking happens here.
type HNSW struct {
	cfg HNSWConfig
	src VectorSource
}

// NewHNSW creates an index over src.
func NewHNSW(cfg HNSWConfig, src VectorSource) *HNSW {
	def := DefaultHNSWConfig()
	if cfg.M < 2 {
		cfg.M = def.M
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = def.EfConstruction
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = def.EfSearch
	}
	if cfg.LevelMultiplier <= 0 {
		cfg.LevelMultiplier = 1.0 / math.Log(float64(cfg.M))
	}
	return &HNSW{cfg: cfg, src: src}
}

// Config returns the effective parameters.
func (h *HNSW) Config() HNSWConfig {
	return h.cfg
}

// MaxNeighbors returns the neighbor bound at layer l.
func (h *HNSW) MaxNeighbors(l int) int {
	if l == 0 {
		return 2 * h.cfg.M
	}
	return h.cfg.M
}

type entryPoint struct {
	id    ID
	level int
}

// EntryPoint returns the entry id and top level of a label's graph.
func (h *HNSW) EntryPoint(txn *kv.Txn, label string) (ID, int, bool, error) {
	ep, ok, err := h.entry(txn, label)
	return ep.id, ep.level, ok, err
}

func (h *HNSW) entry(txn *kv.Txn, label string) (entryPoint, bool, error) {
	raw, err := txn.Get(EntryTable, []byte(label))
	if errors.Is(err, kv.ErrNotFound) {
		return entryPoint{}, false, nil
	}
	if err != nil {
		return entryPoint{}, false, err
	}
	if len(raw) != 17 {
		return entryPoint{}, false, fmt.Errorf("%w: entry point of %q", ErrCorruptIndex, label)
	}
	var ep entryPoint
	copy(ep.id[:], raw)
	ep.level = int(raw[16])
	return ep, true, nil
}

func (h *HNSW) setEntry(txn *kv.Txn, label string, ep entryPoint) error {
	val := make([]byte, 17)
	copy(val, ep.id[:])
	val[16] = byte(ep.level)
	return txn.Put(EntryTable, []byte(label), val)
}

func (h *HNSW) randomLevel() int {
	r := rand.Float64()
	for r == 0 {
		r = rand.Float64()
	}
	return min(int(-math.Log(r)*h.cfg.LevelMultiplier), 255)
}

// Neighbors returns the neighbor ids of id at layer l, nearest first.
func (h *HNSW) Neighbors(txn *kv.Txn, id ID, l int) ([]ID, bool, error) {
	ns, ok, err := h.neighbors(txn, id, l)
	if err != nil || !ok {
		return nil, ok, err
	}
	ids := make([]ID, len(ns))
	for i, n := range ns {
		ids[i] = n.id
	}
	return ids, true, nil
}

func (h *HNSW) neighbors(txn *kv.Txn, id ID, l int) ([]distItem, bool, error) {
	raw, err := txn.Get(LayerTable(l), id[:])
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ns, err := decodeNeighbors(raw)
	return ns, err == nil, err
}

func (h *HNSW) putNeighbors(txn *kv.Txn, id ID, l int, ns []distItem) error {
	return txn.Put(LayerTable(l), id[:], encodeNeighbors(ns))
}

// Insert adds vec to the label's graph. Must run in a write transaction.
func (h *HNSW) Insert(txn *kv.Txn, label string, id ID, vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if ok, err := txn.Has(LayerTable(0), id[:]); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %x", ErrAlreadyIndexed, id)
	}

	ep, ok, err := h.entry(txn, label)
	if err != nil {
		return err
	}
	level := h.randomLevel()
	if !ok {
		for l := 0; l <= level; l++ {
			if err := h.putNeighbors(txn, id, l, nil); err != nil {
				return err
			}
		}
		return h.setEntry(txn, label, entryPoint{id: id, level: level})
	}

	sc := newScorer(h.src, txn, vec)
	sc.vecs[id] = vec
	curDist, err := sc.dist(ep.id)
	if err != nil {
		return err
	}
	cur := distItem{id: ep.id, dist: curDist}
	for l := ep.level; l > level; l-- {
		if cur, err = h.greedy(sc, cur, l); err != nil {
			return err
		}
	}

	eps := []distItem{cur}
	for l := min(level, ep.level); l >= 0; l-- {
		found, err := h.searchLayer(sc, eps, h.cfg.EfConstruction, l)
		if err != nil {
			return err
		}
		maxN := h.MaxNeighbors(l)
		selected, err := h.selectNeighbors(sc, found, maxN)
		if err != nil {
			return err
		}
		if err := h.putNeighbors(txn, id, l, selected); err != nil {
			return err
		}
		for _, s := range selected {
			if err := h.link(sc, s.id, distItem{id: id, dist: s.dist}, l, maxN); err != nil {
				return err
			}
		}
		eps = found
	}
	for l := ep.level + 1; l <= level; l++ {
		if err := h.putNeighbors(txn, id, l, nil); err != nil {
			return err
		}
	}
	if level > ep.level {
		return h.setEntry(txn, label, entryPoint{id: id, level: level})
	}
	return nil
}

// link adds back-edge to node's list at layer l, pruning with the neighbor
// heuristic when the list overflows.
func (h *HNSW) link(sc *scorer, node ID, back distItem, l, maxN int) error {
	ns, _, err := h.neighbors(sc.txn, node, l)
	if err != nil {
		return err
	}
	ns = append(ns, back)
	sortItems(ns)
	if len(ns) > maxN {
		base, err := sc.vector(node)
		if err != nil {
			return err
		}
		ns, err = h.selectNeighbors(sc.from(base), ns, maxN)
		if err != nil {
			return err
		}
	}
	return h.putNeighbors(sc.txn, node, l, ns)
}

// selectNeighbors keeps up to m candidates (sorted nearest first). A
// candidate is kept when it is closer to the base than to every neighbor kept
// so far; the remaining slots are filled with the nearest discarded ones.
func (h *HNSW) selectNeighbors(sc *scorer, cands []distItem, m int) ([]distItem, error) {
	if len(cands) <= m {
		return cands, nil
	}
	result := make([]distItem, 0, m)
	var discarded []distItem
	for _, c := range cands {
		if len(result) >= m {
			break
		}
		diverse := true
		for _, r := range result {
			d, err := sc.pair(c.id, r.id)
			if err != nil {
				return nil, err
			}
			if d < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			result = append(result, c)
		} else {
			discarded = append(discarded, c)
		}
	}
	for _, d := range discarded {
		if len(result) >= m {
			break
		}
		result = append(result, d)
	}
	sortItems(result)
	return result, nil
}

func (h *HNSW) greedy(sc *scorer, cur distItem, l int) (distItem, error) {
	for changed := true; changed; {
		changed = false
		ns, _, err := h.neighbors(sc.txn, cur.id, l)
		if err != nil {
			return cur, err
		}
		for _, n := range ns {
			d, err := sc.dist(n.id)
			if err != nil {
				return cur, err
			}
			if d < cur.dist {
				cur = distItem{id: n.id, dist: d}
				changed = true
			}
		}
	}
	return cur, nil
}

// searchLayer returns the ef nearest elements reachable from eps at layer l,
// nearest first.
func (h *HNSW) searchLayer(sc *scorer, eps []distItem, ef, l int) ([]distItem, error) {
	visited := make(map[ID]struct{}, ef*2)
	cands := &distHeap{}
	results := &distHeap{max: true}
	for _, ep := range eps {
		if _, seen := visited[ep.id]; seen {
			continue
		}
		visited[ep.id] = struct{}{}
		heap.Push(cands, ep)
		heap.Push(results, ep)
		if results.Len() > ef {
			heap.Pop(results)
		}
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(distItem)
		if results.Len() >= ef && c.dist > results.items[0].dist {
			break
		}
		ns, _, err := h.neighbors(sc.txn, c.id, l)
		if err != nil {
			return nil, err
		}
		for _, n := range ns {
			if _, seen := visited[n.id]; seen {
				continue
			}
			visited[n.id] = struct{}{}
			d, err := sc.dist(n.id)
			if err != nil {
				return nil, err
			}
			if results.Len() < ef || d < results.items[0].dist {
				item := distItem{id: n.id, dist: d}
				heap.Push(cands, item)
				heap.Push(results, item)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := results.items
	sortItems(out)
	return out, nil
}

// Search returns the k approximate nearest neighbors of q in the label's
// graph, nearest first (ties by ascending id).
//
// Upper layers are descended greedily; layer 0 is searched best-first with
// ef = max(EfSearch, k). Tombstoned vectors are expanded but never returned.
// When pred is non-nil a candidate is returned only if it passes pred and the
// candidate it was reached from passed pred as well; filtered-out candidates
// are still expanded.
func (h *HNSW) Search(txn *kv.Txn, label string, q []float32, k int, pred Predicate) (SearchResult, error) {
	var res SearchResult
	if k <= 0 {
		return res, nil
	}
	if len(q) == 0 {
		return res, ErrEmptyVector
	}
	ep, ok, err := h.entry(txn, label)
	if err != nil || !ok {
		return res, err
	}

	sc := newScorer(h.src, txn, q)
	epVec, err := sc.vector(ep.id)
	if err != nil {
		return res, err
	}
	if len(epVec) != len(q) {
		return res, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(q), len(epVec))
	}
	curDist, err := sc.dist(ep.id)
	if err != nil {
		return res, err
	}
	cur := distItem{id: ep.id, dist: curDist}
	for l := ep.level; l > 0; l-- {
		if cur, err = h.greedy(sc, cur, l); err != nil {
			return res, err
		}
	}

	ef := max(h.cfg.EfSearch, k)
	passes := make(map[ID]bool)
	check := func(id ID) (bool, error) {
		if pred == nil {
			return true, nil
		}
		if ok, seen := passes[id]; seen {
			return ok, nil
		}
		ok, err := pred(id)
		if err != nil {
			return false, err
		}
		passes[id] = ok
		return ok, nil
	}

	// from records the node each candidate was first reached from. The entry
	// point is its own source.
	from := map[ID]ID{cur.id: cur.id}
	var found []distItem
	consider := func(c distItem) error {
		res.Visited++
		deleted, err := h.src.IsDeleted(txn, c.id)
		if err != nil {
			return err
		}
		if deleted {
			res.Tombstones++
			return nil
		}
		ok, err := check(from[c.id])
		if err != nil || !ok {
			return err
		}
		if ok, err = check(c.id); err != nil || !ok {
			return err
		}
		found = append(found, c)
		return nil
	}

	visited := map[ID]struct{}{cur.id: {}}
	cands := &distHeap{}
	results := &distHeap{max: true}
	heap.Push(cands, cur)
	heap.Push(results, cur)
	if err := consider(cur); err != nil {
		return res, err
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(distItem)
		if results.Len() >= ef && c.dist > results.items[0].dist {
			break
		}
		ns, _, err := h.neighbors(txn, c.id, 0)
		if err != nil {
			return res, err
		}
		for _, n := range ns {
			if _, seen := visited[n.id]; seen {
				continue
			}
			visited[n.id] = struct{}{}
			from[n.id] = c.id
			d, err := sc.dist(n.id)
			if err != nil {
				return res, err
			}
			item := distItem{id: n.id, dist: d}
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(cands, item)
				heap.Push(results, item)
				if results.Len() > ef {
					heap.Pop(results)
				}
				if err := consider(item); err != nil {
					return res, err
				}
			}
		}
	}

	sortItems(found)
	if len(found) > k {
		found = found[:k]
	}
	res.Hits = make([]VectorHit, len(found))
	for i, f := range found {
		res.Hits[i] = VectorHit{ID: f.id, Distance: f.dist, Score: scoreFromDistance(f.dist)}
	}
	return res, nil
}

// Drop removes the layer records of ids and the label's entry point. It is
// used by compaction before live vectors are re-inserted.
func (h *HNSW) Drop(txn *kv.Txn, label string, ids []ID) error {
	ep, ok, err := h.entry(txn, label)
	if err != nil {
		return err
	}
	top := 0
	if ok {
		top = ep.level
	}
	for _, id := range ids {
		for l := 0; l <= top; l++ {
			if err := txn.Delete(LayerTable(l), id[:]); err != nil {
				return err
			}
		}
	}
	if ok {
		return txn.Delete(EntryTable, []byte(label))
	}
	return nil
}

// =============================================================================
// Distances
// =============================================================================

// scorer computes distances to a fixed query, caching loaded payloads for the
// duration of one operation.
type scorer struct {
	src  VectorSource
	txn  *kv.Txn
	q    []float32
	vecs map[ID][]float32
}

func newScorer(src VectorSource, txn *kv.Txn, q []float32) *scorer {
	return &scorer{src: src, txn: txn, q: q, vecs: make(map[ID][]float32)}
}

// from returns a scorer measuring from base that shares the payload cache.
func (s *scorer) from(base []float32) *scorer {
	return &scorer{src: s.src, txn: s.txn, q: base, vecs: s.vecs}
}

func (s *scorer) vector(id ID) ([]float32, error) {
	if v, ok := s.vecs[id]; ok {
		return v, nil
	}
	v, err := s.src.RawVector(s.txn, id)
	if err != nil {
		return nil, fmt.Errorf("loading vector %x: %w", id, err)
	}
	s.vecs[id] = v
	return v, nil
}

func (s *scorer) dist(id ID) (float32, error) {
	v, err := s.vector(id)
	if err != nil {
		return 0, err
	}
	if len(v) != len(s.q) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(v), len(s.q))
	}
	return distance(s.q, v), nil
}

func (s *scorer) pair(a, b ID) (float32, error) {
	va, err := s.vector(a)
	if err != nil {
		return 0, err
	}
	vb, err := s.vector(b)
	if err != nil {
		return 0, err
	}
	return distance(va, vb), nil
}

// =============================================================================
// Neighbor records and heaps
// =============================================================================

type distItem struct {
	id   ID
	dist float32
}

func compareItems(a, b distItem) int {
	if c := cmp.Compare(a.dist, b.dist); c != 0 {
		return c
	}
	return a.id.Compare(b.id)
}

func sortItems(items []distItem) {
	slices.SortFunc(items, compareItems)
}

const neighborSize = 4 + 16

func encodeNeighbors(ns []distItem) []byte {
	buf := make([]byte, 0, len(ns)*neighborSize)
	for _, n := range ns {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(n.dist))
		buf = append(buf, n.id[:]...)
	}
	return buf
}

func decodeNeighbors(b []byte) ([]distItem, error) {
	if len(b)%neighborSize != 0 {
		return nil, fmt.Errorf("%w: neighbor record of %d bytes", ErrCorruptIndex, len(b))
	}
	out := make([]distItem, len(b)/neighborSize)
	for i := range out {
		rec := b[i*neighborSize:]
		out[i].dist = math.Float32frombits(binary.LittleEndian.Uint32(rec))
		copy(out[i].id[:], rec[4:neighborSize])
	}
	return out, nil
}

// distHeap is a min-heap by distance, or a max-heap when max is set.
type distHeap struct {
	items []distItem
	max   bool
}

func (h *distHeap) Len() int { return len(h.items) }
func (h *distHeap) Less(i, j int) bool {
	if h.max {
		return compareItems(h.items[i], h.items[j]) > 0
	}
	return compareItems(h.items[i], h.items[j]) < 0
}
func (h *distHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *distHeap) Push(x any)    { h.items = append(h.items, x.(distItem)) }
func (h *distHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
