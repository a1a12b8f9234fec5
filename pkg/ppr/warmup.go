package ppr

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/orneryd/mosaicdb/pkg/decay"
	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/logging"
	"github.com/orneryd/mosaicdb/pkg/storage"
)

// Activity properties, in lookup order.
var activityProperties = []string{"last_mentioned_at", "updated_at", "created_at"}

// TxnRunner opens transactions. Both storage.Engine and dispatch.Pool
// implement it; the pool routes Update through its single writer.
type TxnRunner interface {
	View(fn func(txn *kv.Txn) error) error
	Update(fn func(txn *kv.Txn) error) error
}

// NodeSource is the part of the storage engine the warmer reads.
type NodeSource interface {
	ScanNodes(txn *kv.Txn, label string) iter.Seq2[*storage.Node, error]
	Degree(txn *kv.Txn, node storage.ID) (int, error)
	GetNode(txn *kv.Txn, id storage.ID) (*storage.Node, error)
}

// WarmupConfig parameterizes a warmup run.
type WarmupConfig struct {
	VaultID           string
	TopK              int
	EntityTypes       []string
	RecencyWindowDays int
	Depth             int
	Damping           float64
	MaxExpansion      int
	MaxDuration       time.Duration
	EdgeWeights       map[string]float64

	// MaxWritesPerSecond paces recomputations (0 = unlimited).
	MaxWritesPerSecond float64
}

// DefaultWarmupConfig returns the standard warmup parameters.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		TopK:              100,
		RecencyWindowDays: 30,
		Depth:             DefaultDepth,
		Damping:           DefaultDamping,
		MaxExpansion:      DefaultLimit,
		MaxDuration:       5 * time.Second,
	}
}

// Candidate is a node selected for warmup.
type Candidate struct {
	ID           storage.ID
	Type         string
	Vault        string
	Degree       int
	LastActivity time.Time
	Score        float64
}

// RunStats reports one warmup or refresh pass.
type RunStats struct {
	EntitiesWarmed int   `json:"entities_warmed"`
	Created        int   `json:"created"`
	Updated        int   `json:"updated"`
	Skipped        int   `json:"skipped"`
	EdgesTraversed int   `json:"edges_traversed"`
	DurationMs     int64 `json:"duration_ms"`
	Errors         int   `json:"errors"`
}

// Warmer precomputes cache entries for busy, recently active entities.
type Warmer struct {
	nodes   NodeSource
	cache   *Cache
	runner  TxnRunner
	cfg     WarmupConfig
	limiter *rate.Limiter
	now     func() time.Time
	log     *logrus.Entry
}

// NewWarmer creates a warmer. Zero config fields take their defaults.
func NewWarmer(nodes NodeSource, cache *Cache, runner TxnRunner, cfg WarmupConfig) *Warmer {
	def := DefaultWarmupConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.RecencyWindowDays <= 0 {
		cfg.RecencyWindowDays = def.RecencyWindowDays
	}
	if cfg.Depth <= 0 {
		cfg.Depth = def.Depth
	}
	if cfg.Damping <= 0 || cfg.Damping >= 1 {
		cfg.Damping = def.Damping
	}
	if cfg.MaxExpansion <= 0 {
		cfg.MaxExpansion = def.MaxExpansion
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxWritesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxWritesPerSecond), 1)
	}
	return &Warmer{
		nodes:   nodes,
		cache:   cache,
		runner:  runner,
		cfg:     cfg,
		limiter: limiter,
		now:     time.Now,
		log:     logging.For("ppr.warmup"),
	}
}

// Config returns the effective configuration.
func (w *Warmer) Config() WarmupConfig {
	return w.cfg
}

// LastActivity returns the first present activity timestamp of a node.
func LastActivity(n *storage.Node) (time.Time, bool) {
	for _, p := range activityProperties {
		if t, ok := n.Property(p).AsTime(); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// SelectCandidates scans the configured entity types for nodes active within
// the recency window and returns the top-k by decay.WarmupScore.
func (w *Warmer) SelectCandidates(txn *kv.Txn) ([]Candidate, error) {
	now := w.now()
	window := time.Duration(w.cfg.RecencyWindowDays) * 24 * time.Hour

	types := w.cfg.EntityTypes
	if len(types) == 0 {
		types = []string{""}
	}
	var out []Candidate
	for _, label := range types {
		for n, err := range w.nodes.ScanNodes(txn, label) {
			if err != nil {
				return nil, err
			}
			vault, _ := n.Property(storage.VaultProperty).AsString()
			if w.cfg.VaultID != "" && vault != w.cfg.VaultID {
				continue
			}
			last, ok := LastActivity(n)
			if !ok {
				continue
			}
			age := now.Sub(last)
			if age > window {
				continue
			}
			deg, err := w.nodes.Degree(txn, n.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, Candidate{
				ID:           n.ID,
				Type:         n.Label,
				Vault:        vault,
				Degree:       deg,
				LastActivity: last,
				Score:        decay.WarmupScore(deg, age),
			})
		}
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return a.ID.Compare(b.ID)
	})
	if len(out) > w.cfg.TopK {
		out = out[:w.cfg.TopK]
	}
	return out, nil
}

func (w *Warmer) request(vault, typ string, seed storage.ID) PopulateRequest {
	return PopulateRequest{
		Vault:       vault,
		Type:        typ,
		Seed:        seed,
		Depth:       w.cfg.Depth,
		Damping:     w.cfg.Damping,
		Limit:       w.cfg.MaxExpansion,
		EdgeWeights: w.cfg.EdgeWeights,
	}
}

// RunOnce warms the current candidates in descending score order. Each
// candidate is checked in its own read transaction and recomputed in its own
// write transaction. The run stops at a candidate boundary once MaxDuration
// has elapsed or ctx is done.
func (w *Warmer) RunOnce(ctx context.Context) (stats RunStats, err error) {
	start := w.now()
	defer func() { stats.DurationMs = w.now().Sub(start).Milliseconds() }()

	var cands []Candidate
	if err := w.runner.View(func(txn *kv.Txn) error {
		var err error
		cands, err = w.SelectCandidates(txn)
		return err
	}); err != nil {
		return stats, err
	}

	for _, c := range cands {
		if ctx.Err() != nil || w.now().Sub(start) >= w.cfg.MaxDuration {
			break
		}
		key := Key(c.Vault, c.Type, c.ID, w.cfg.Depth)

		var (
			existing *Entry
			found    bool
		)
		err := w.runner.View(func(txn *kv.Txn) error {
			var err error
			existing, found, err = w.cache.Get(txn, key)
			return err
		})
		if err != nil {
			// Unreadable entries are rebuilt.
			w.log.WithError(err).WithField("key", key).Warn("reading ppr cache entry")
			found = false
		}
		if found && !existing.Stale && !decay.IsExpired(existing.ComputedTime(), c.LastActivity, w.now()) {
			stats.Skipped++
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		var entry *Entry
		err = w.runner.Update(func(txn *kv.Txn) error {
			var err error
			entry, err = w.cache.PopulateEntry(txn, w.request(c.Vault, c.Type, c.ID))
			return err
		})
		if err != nil {
			stats.Errors++
			w.log.WithError(err).WithField("seed", c.ID.String()).Warn("warming ppr entry")
			continue
		}
		stats.EntitiesWarmed++
		stats.EdgesTraversed += entry.EdgesTraversed
		if found {
			stats.Updated++
		} else {
			stats.Created++
		}
	}

	w.log.WithFields(logrus.Fields{
		"candidates": len(cands),
		"warmed":     stats.EntitiesWarmed,
		"skipped":    stats.Skipped,
		"errors":     stats.Errors,
	}).Info("ppr warmup finished")
	return stats, nil
}

// RefreshStale recomputes up to maxEntries stale entries of the configured
// vault, longest-stale first.
func (w *Warmer) RefreshStale(ctx context.Context, maxEntries int) (stats RunStats, err error) {
	start := w.now()
	defer func() { stats.DurationMs = w.now().Sub(start).Milliseconds() }()

	type staleKey struct {
		parts KeyParts
		since int64
	}
	var stale []staleKey
	err = w.runner.View(func(txn *kv.Txn) error {
		for ke, err := range w.cache.Entries(txn, w.cfg.VaultID) {
			if err != nil {
				return err
			}
			if !ke.Entry.Stale {
				continue
			}
			parts, err := ParseKey(ke.Key)
			if err != nil {
				w.log.WithError(err).Warn("skipping stale entry")
				continue
			}
			stale = append(stale, staleKey{parts: parts, since: ke.Entry.StaleSince})
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	// Stable: equal timestamps keep key order.
	slices.SortStableFunc(stale, func(a, b staleKey) int { return cmp.Compare(a.since, b.since) })
	if maxEntries > 0 && len(stale) > maxEntries {
		stale = stale[:maxEntries]
	}
	keys := make([]KeyParts, len(stale))
	for i, s := range stale {
		keys[i] = s.parts
	}

	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		req := w.request(k.Vault, k.Type, k.Seed)
		req.Depth = k.Depth
		var entry *Entry
		err := w.runner.Update(func(txn *kv.Txn) error {
			var err error
			entry, err = w.cache.PopulateEntry(txn, req)
			return err
		})
		if errors.Is(err, ErrNoSeeds) {
			stats.Skipped++
			continue
		}
		if err != nil {
			stats.Errors++
			w.log.WithError(err).WithField("seed", k.Seed.String()).Warn("refreshing ppr entry")
			continue
		}
		stats.EntitiesWarmed++
		stats.Updated++
		stats.EdgesTraversed += entry.EdgesTraversed
	}
	return stats, nil
}

// TTLReport summarizes the cache entries of the configured vault by the
// activity tier of their seed.
func (w *Warmer) TTLReport(txn *kv.Txn) (*decay.Stats, error) {
	var infos []decay.EntryInfo
	for ke, err := range w.cache.Entries(txn, w.cfg.VaultID) {
		if err != nil {
			return nil, err
		}
		parts, err := ParseKey(ke.Key)
		if err != nil {
			continue
		}
		info := decay.EntryInfo{ComputedAt: ke.Entry.ComputedTime()}
		if n, err := w.nodes.GetNode(txn, parts.Seed); err == nil {
			info.LastActivity, _ = LastActivity(n)
		}
		infos = append(infos, info)
	}
	return decay.Summarize(infos, w.now()), nil
}
