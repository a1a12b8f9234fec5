package ppr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/mosaicdb/pkg/cache"
	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/logging"
	"github.com/orneryd/mosaicdb/pkg/storage"
)

// CacheTable holds PPR cache entries keyed by Key.
const CacheTable = kv.Table("ppr_cache")

const keyPrefix = "ppr:"

// Source tells where a cached computation's scores came from.
type Source string

const (
	SourceLive               Source = "Live"
	SourceCache              Source = "Cache"
	SourceStaleCacheFallback Source = "StaleCacheFallback"
)

// ErrBadKey is returned for a malformed cache key.
var ErrBadKey = errors.New("ppr: malformed cache key")

// Key builds "ppr:{vault}:{type}:{seed}:{depth}".
func Key(vault, entityType string, seed storage.ID, depth int) string {
	return keyPrefix + vault + ":" + entityType + ":" + seed.String() + ":" + strconv.Itoa(depth)
}

// KeyParts is a parsed cache key.
type KeyParts struct {
	Vault string
	Type  string
	Seed  storage.ID
	Depth int
}

// ParseKey splits a cache key. The vault may itself contain ':'; the other
// parts may not.
func ParseKey(key string) (KeyParts, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return KeyParts{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	parts := make([]string, 3)
	for i := 2; i >= 0; i-- {
		cut := strings.LastIndexByte(rest, ':')
		if cut < 0 {
			return KeyParts{}, fmt.Errorf("%w: %q", ErrBadKey, key)
		}
		parts[i], rest = rest[cut+1:], rest[:cut]
	}
	depth, err := strconv.Atoi(parts[2])
	if err != nil {
		return KeyParts{}, fmt.Errorf("%w: depth in %q", ErrBadKey, key)
	}
	seed, err := storage.ParseID(parts[1])
	if err != nil {
		return KeyParts{}, fmt.Errorf("%w: seed in %q", ErrBadKey, key)
	}
	return KeyParts{Vault: rest, Type: parts[0], Seed: seed, Depth: depth}, nil
}

func vaultPrefix(vault string) []byte {
	if vault == "" {
		return []byte(keyPrefix)
	}
	return []byte(keyPrefix + vault + ":")
}

// Entry is one persisted expansion.
type Entry struct {
	Scores         []Score             `json:"scores"`
	ComputedAt     int64               `json:"computed_at"` // Unix ms
	Stale          bool                `json:"stale"`
	StaleReason    storage.StaleReason `json:"stale_reason,omitempty"`
	StaleSince     int64               `json:"stale_since,omitempty"` // Unix ms, 0 when fresh
	Damping        float64             `json:"damping"`
	EdgesTraversed int                 `json:"edges_traversed"`
}

// ComputedTime returns ComputedAt as a time.
func (e *Entry) ComputedTime() time.Time {
	return time.UnixMilli(e.ComputedAt)
}

// Contains reports whether id appears in the entry's scores.
func (e *Entry) Contains(id storage.ID) bool {
	for _, s := range e.Scores {
		if s.ID == id {
			return true
		}
	}
	return false
}

func encodeEntry(e *Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (*Entry, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
	if err != nil {
		return nil, fmt.Errorf("decompressing ppr entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding ppr entry: %w", err)
	}
	return &e, nil
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	StaleHits uint64  `json:"stale_hits"`
	HitRate   float64 `json:"hit_rate"`
	Decoded   int     `json:"decoded"` // entries held by the decode cache
}

// Cache is the persistent PPR result cache.
//
// Entries are never deleted by readers: invalidation only marks them stale,
// so a reader racing a writer can still fall back to the old scores while a
// refresh is pending.
//
// Cache implements storage.MutationObserver; register it with
// Engine.AddObserver to invalidate entries inside every mutating
// transaction.
type Cache struct {
	graph   Graph
	decoded *cache.Cache[*Entry]
	now     func() time.Time
	log     *logrus.Entry

	hits      atomic.Uint64
	misses    atomic.Uint64
	staleHits atomic.Uint64
}

// NewCache creates a cache over graph.
func NewCache(graph Graph) *Cache {
	return &Cache{graph: graph, now: time.Now, log: logging.For("ppr")}
}

// SetDecodeCache puts d in front of entry decoding for read transactions.
// Call it before the cache is shared.
func (c *Cache) SetDecodeCache(d *cache.Cache[*Entry]) {
	c.decoded = d
}

// Stats returns the counters.
func (c *Cache) Stats() CacheStats {
	s := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), StaleHits: c.staleHits.Load()}
	if total := s.Hits + s.Misses + s.StaleHits; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if c.decoded != nil {
		s.Decoded = c.decoded.Len()
	}
	return s
}

// Get reads an entry. ok is false when none exists. Entries read in a read
// transaction may be shared through the decode cache and must not be
// modified.
func (c *Cache) Get(txn *kv.Txn, key string) (*Entry, bool, error) {
	raw, version, err := txn.GetVersioned(CacheTable, []byte(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cacheable := c.decoded != nil && !txn.Writable()
	if cacheable {
		if e, ok := c.decoded.Get(key, version); ok {
			return e, true, nil
		}
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return nil, false, err
	}
	if cacheable {
		c.decoded.Put(key, version, e)
	}
	return e, true, nil
}

// Put writes an entry.
func (c *Cache) Put(txn *kv.Txn, key string, e *Entry) error {
	val, err := encodeEntry(e)
	if err != nil {
		return txn.Fail(err)
	}
	return txn.Put(CacheTable, []byte(key), val)
}

// PopulateRequest describes one entry to (re)compute.
type PopulateRequest struct {
	Vault       string
	Type        string
	Seed        storage.ID
	Depth       int
	Damping     float64
	Limit       int
	EdgeWeights map[string]float64
}

// PopulateEntry computes the unrestricted expansion of one seed and stores it
// fresh. Must run in a write transaction.
func (c *Cache) PopulateEntry(txn *kv.Txn, req PopulateRequest) (*Entry, error) {
	p := Params{
		Seeds:       []storage.ID{req.Seed},
		EdgeWeights: req.EdgeWeights,
		Depth:       req.Depth,
		Damping:     req.Damping,
		Limit:       req.Limit,
	}
	p.setDefaults()
	res, err := Compute(txn, c.graph, p)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Scores:         res.Scores,
		ComputedAt:     c.now().UnixMilli(),
		Damping:        p.Damping,
		EdgesTraversed: res.EdgesTraversed,
	}
	if err := c.Put(txn, Key(req.Vault, req.Type, req.Seed, p.Depth), e); err != nil {
		return nil, err
	}
	return e, nil
}

// Query is a cache-aware PPR computation.
type Query struct {
	Vault string
	Type  string
	Params
}

// CachedResult is a Result plus where it came from.
type CachedResult struct {
	Result
	Source Source
}

// PPRWithCache answers a single-seed query from the cache when a fresh entry
// exists, and computes live otherwise. Multi-seed queries always compute
// live. A stale entry is left in place for other readers.
func (c *Cache) PPRWithCache(txn *kv.Txn, q Query) (CachedResult, error) {
	q.setDefaults()
	if len(q.Seeds) != 1 {
		return c.live(txn, q.Params, SourceLive)
	}

	key := Key(q.Vault, q.Type, q.Seeds[0], q.Depth)
	entry, ok, err := c.Get(txn, key)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("unreadable ppr cache entry, computing live")
		ok = false
	}
	switch {
	case !ok:
		c.misses.Add(1)
		return c.live(txn, q.Params, SourceLive)
	case entry.Stale:
		c.staleHits.Add(1)
		return c.live(txn, q.Params, SourceStaleCacheFallback)
	}

	c.hits.Add(1)
	scores := make(map[storage.ID]float64, len(entry.Scores))
	types := make(map[storage.ID]string, len(entry.Scores))
	for _, s := range entry.Scores {
		if inUniverse(q.Universe, s.ID) {
			scores[s.ID] = s.Score
			types[s.ID] = s.EntityType
		}
	}
	ranked := rank(scores, q.Limit, q.Normalize)
	for i := range ranked {
		ranked[i].EntityType = types[ranked[i].ID]
	}
	return CachedResult{
		Result: Result{Scores: ranked, EdgesTraversed: entry.EdgesTraversed},
		Source: SourceCache,
	}, nil
}

func (c *Cache) live(txn *kv.Txn, p Params, src Source) (CachedResult, error) {
	res, err := Compute(txn, c.graph, p)
	if err != nil {
		return CachedResult{}, err
	}
	return CachedResult{Result: res, Source: src}, nil
}

// MarkStale flags one entry. Missing keys are ignored.
func (c *Cache) MarkStale(txn *kv.Txn, key string, reason storage.StaleReason) error {
	e, ok, err := c.Get(txn, key)
	if err != nil || !ok {
		return err
	}
	if e.Stale {
		return nil
	}
	e.Stale = true
	e.StaleReason = reason
	e.StaleSince = c.now().UnixMilli()
	return c.Put(txn, key, e)
}

// KeyedEntry pairs an entry with its key.
type KeyedEntry struct {
	Key   string
	Entry *Entry
}

// Entries streams the entries of vault ("" for every vault) in key order.
// Undecodable entries are logged and skipped.
func (c *Cache) Entries(txn *kv.Txn, vault string) iter.Seq2[KeyedEntry, error] {
	return func(yield func(KeyedEntry, error) bool) {
		for ent, err := range txn.Scan(CacheTable, vaultPrefix(vault), kv.ScanOptions{}) {
			if err != nil {
				yield(KeyedEntry{}, err)
				return
			}
			e, err := decodeEntry(ent.Value)
			if err != nil {
				c.log.WithError(err).WithField("key", string(ent.Key)).Warn("skipping unreadable ppr cache entry")
				continue
			}
			if !yield(KeyedEntry{Key: string(ent.Key), Entry: e}, nil) {
				return
			}
		}
	}
}

// InvalidateForEntity marks stale every entry of vault whose key mentions id
// or whose scores include id. It returns the number of entries newly marked.
func (c *Cache) InvalidateForEntity(txn *kv.Txn, vault string, id storage.ID, reason storage.StaleReason) (int, error) {
	needle := id.String()
	var marked []KeyedEntry
	for ke, err := range c.Entries(txn, vault) {
		if err != nil {
			return 0, err
		}
		if ke.Entry.Stale {
			continue
		}
		if strings.Contains(ke.Key, needle) || ke.Entry.Contains(id) {
			marked = append(marked, ke)
		}
	}
	now := c.now().UnixMilli()
	for _, ke := range marked {
		ke.Entry.Stale = true
		ke.Entry.StaleReason = reason
		ke.Entry.StaleSince = now
		if err := c.Put(txn, ke.Key, ke.Entry); err != nil {
			return 0, err
		}
	}
	if len(marked) > 0 {
		c.log.WithFields(logrus.Fields{
			"vault":  vault,
			"entity": needle,
			"reason": reason,
			"marked": len(marked),
		}).Debug("ppr cache entries marked stale")
	}
	return len(marked), nil
}

// EntityChanged implements storage.MutationObserver.
func (c *Cache) EntityChanged(txn *kv.Txn, vault string, id storage.ID, reason storage.StaleReason) error {
	_, err := c.InvalidateForEntity(txn, vault, id, reason)
	return err
}

// Clear deletes every entry of vault ("" for all). Returns the number
// removed.
func (c *Cache) Clear(txn *kv.Txn, vault string) (int, error) {
	var keys [][]byte
	for ent, err := range txn.Scan(CacheTable, vaultPrefix(vault), kv.ScanOptions{KeysOnly: true}) {
		if err != nil {
			return 0, err
		}
		keys = append(keys, ent.Key)
	}
	for _, k := range keys {
		if err := txn.Delete(CacheTable, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
