// Package mosaicdb provides the main API for embedded MosaicDB usage.
//
// A DB bundles the storage engine (graph, vectors, full-text and secondary
// indexes over one Badger environment), the persistent PPR cache with its
// warmup scheduler, and the dispatch pool that runs registered handlers on
// reader goroutines and a single writer.
//
// Example Usage:
//
//	cfg, err := config.Load("mosaicdb.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	prog := &dispatch.Program{
//		Handlers: map[string]dispatch.Handler{"friends": friends},
//	}
//	db, err := mosaicdb.Open(cfg, mosaicdb.WithProgram(prog))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	resp := db.Execute(ctx, dispatch.Request{Name: "friends", Body: body})
//	if resp.Err != nil {
//		log.Printf("%s: %s", resp.Err.Code, resp.Err.Message)
//	}
package mosaicdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/mosaicdb/pkg/cache"
	"github.com/orneryd/mosaicdb/pkg/config"
	"github.com/orneryd/mosaicdb/pkg/dispatch"
	"github.com/orneryd/mosaicdb/pkg/kv"
	"github.com/orneryd/mosaicdb/pkg/logging"
	"github.com/orneryd/mosaicdb/pkg/pool"
	"github.com/orneryd/mosaicdb/pkg/ppr"
	"github.com/orneryd/mosaicdb/pkg/search"
	"github.com/orneryd/mosaicdb/pkg/storage"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("mosaicdb: database closed")

// Option customizes Open.
type Option func(*options)

type options struct {
	prog     *dispatch.Program
	schema   func(*storage.SchemaManager) error
	services any
	logger   *logrus.Entry
}

// WithProgram sets the handler table served by the dispatch pool.
func WithProgram(prog *dispatch.Program) Option {
	return func(o *options) { o.prog = prog }
}

// WithSchema lets the caller add indexes and migrations beyond what the
// configuration declares. fn runs before the schema is frozen.
func WithSchema(fn func(*storage.SchemaManager) error) Option {
	return func(o *options) { o.schema = fn }
}

// WithServices sets the value handlers receive as Input.Services.
func WithServices(s any) Option {
	return func(o *options) { o.services = s }
}

// WithLogger overrides the facade logger.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.logger = l }
}

// DB is an open MosaicDB instance.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Writes submitted through Execute
//	or Update are serialized on the pool's single writer.
type DB struct {
	cfg    *config.Config
	env    *kv.Env
	engine *storage.Engine
	cache  *ppr.Cache
	pool   *dispatch.Pool
	warmer *ppr.Warmer
	sched  *ppr.Scheduler
	log    *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

// Open opens the database described by cfg and starts its workers.
func Open(cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.For("mosaicdb")
	}

	pool.Configure(pool.PoolConfig{
		Enabled: cfg.Memory.PoolEnabled,
		MaxSize: cfg.Memory.PoolMaxSize,
	})

	schema, err := buildSchema(cfg)
	if err != nil {
		return nil, err
	}
	if o.schema != nil {
		if err := o.schema(schema); err != nil {
			return nil, fmt.Errorf("configuring schema: %w", err)
		}
	}

	env, err := kv.Open(envOptions(cfg))
	if err != nil {
		return nil, err
	}

	engine, err := storage.NewEngine(env, storage.Options{
		Schema:      schema,
		BM25Enabled: cfg.BM25.Enabled,
		BM25Fields:  cfg.BM25.Fields,
		HNSW: search.HNSWConfig{
			M:               cfg.HNSW.M,
			EfConstruction:  cfg.HNSW.EfConstruction,
			EfSearch:        cfg.HNSW.EfSearch,
			LevelMultiplier: search.DefaultHNSWConfig().LevelMultiplier,
		},
		DecodeCacheSize:     cfg.Cache.DecodeEntries,
		DecodeCacheTTL:      cfg.Cache.DecodeTTL,
		DecodeCacheDisabled: !cfg.Cache.Enabled,
	})
	if err != nil {
		env.Close()
		return nil, err
	}

	pprCache := ppr.NewCache(engine)
	if cfg.Cache.DecodeEntries > 0 {
		decoded := cache.New[*ppr.Entry](cfg.Cache.DecodeEntries, cfg.Cache.DecodeTTL)
		decoded.SetEnabled(cfg.Cache.Enabled)
		pprCache.SetDecodeCache(decoded)
	}
	engine.AddObserver(pprCache)

	p, err := dispatch.NewPool(engine, o.prog, dispatch.Options{
		Readers:       cfg.Workers.Readers,
		MaxInflightIO: cfg.Workers.MaxInflightIO,
		APIKey:        cfg.Auth.APIKey,
		MCPEnabled:    cfg.MCP.Enabled,
		PPRCache:      pprCache,
		Services:      o.services,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	p.Start(context.Background())

	db := &DB{
		cfg:    cfg,
		env:    env,
		engine: engine,
		cache:  pprCache,
		pool:   p,
		log:    o.logger,
	}
	db.warmer = ppr.NewWarmer(engine, pprCache, p, warmupConfig(cfg))
	if cfg.PPR.Warmup.Enabled {
		db.sched = ppr.NewScheduler(db.warmer, cfg.PPR.Warmup.Interval)
		db.sched.Start()
	}

	db.log.WithFields(logrus.Fields{
		"data_dir":  cfg.DataDir,
		"in_memory": cfg.InMemory,
		"readers":   cfg.Workers.Readers,
		"warmup":    cfg.PPR.Warmup.Enabled,
	}).Info("database opened")
	return db, nil
}

func envOptions(cfg *config.Config) kv.Options {
	return kv.Options{
		DataDir:    cfg.DataDir,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
		MaxSizeGB:  cfg.DBMaxSizeGB,
		LowMemory:  cfg.Memory.RuntimeLimit > 0 && cfg.Memory.RuntimeLimit < 1<<30,
	}
}

func buildSchema(cfg *config.Config) (*storage.SchemaManager, error) {
	schema := storage.NewSchemaManager()
	for _, idx := range cfg.Graph.SecondaryIndices {
		kind := storage.IndexMulti
		if idx.Unique {
			kind = storage.IndexUnique
		}
		if err := schema.AddIndex(idx.Label, idx.Property, kind); err != nil {
			return nil, fmt.Errorf("adding index %s.%s: %w", idx.Label, idx.Property, err)
		}
	}
	for _, label := range cfg.Graph.UniqueEdgeLabels {
		if err := schema.AddUniqueEdgeLabel(label); err != nil {
			return nil, err
		}
	}
	if cfg.Schema != "" {
		if err := schema.SetText(cfg.Schema); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func warmupConfig(cfg *config.Config) ppr.WarmupConfig {
	w := cfg.PPR.Warmup
	return ppr.WarmupConfig{
		VaultID:            w.VaultID,
		TopK:               w.TopK,
		EntityTypes:        w.EntityTypes,
		RecencyWindowDays:  w.RecencyWindowDays,
		Depth:              w.Depth,
		Damping:            w.DampingFactor,
		MaxExpansion:       w.MaxExpansion,
		MaxDuration:        w.WarmupMaxDuration(),
		EdgeWeights:        cfg.PPR.EdgeWeights,
		MaxWritesPerSecond: w.MaxWritesPerSecond,
	}
}

// Close stops the scheduler and the workers, then closes the environment.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	if db.sched != nil {
		db.sched.Stop()
	}
	var errs []error
	if err := db.pool.Close(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("stopping pool: %w", err))
	}
	if err := db.env.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	db.log.Info("database closed")
	return errors.Join(errs...)
}

func (db *DB) check() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Config returns the configuration the DB was opened with.
func (db *DB) Config() *config.Config { return db.cfg }

// Engine returns the storage engine.
func (db *DB) Engine() *storage.Engine { return db.engine }

// PPRCache returns the persistent PPR cache.
func (db *DB) PPRCache() *ppr.Cache { return db.cache }

// Pool returns the dispatch pool.
func (db *DB) Pool() *dispatch.Pool { return db.pool }

// Execute runs one request through the dispatch pool.
func (db *DB) Execute(ctx context.Context, req dispatch.Request) dispatch.Response {
	if err := db.check(); err != nil {
		return dispatch.Response{Err: dispatch.ToError(err)}
	}
	return db.pool.Do(ctx, req)
}

// Handler returns the HTTP adapter for the dispatch pool.
func (db *DB) Handler() http.Handler { return db.pool }

// View runs fn in a read transaction.
func (db *DB) View(fn func(txn *kv.Txn) error) error {
	if err := db.check(); err != nil {
		return err
	}
	return db.pool.View(fn)
}

// Update runs fn in a write transaction on the single writer.
func (db *DB) Update(fn func(txn *kv.Txn) error) error {
	if err := db.check(); err != nil {
		return err
	}
	return db.pool.Update(fn)
}

// Backup writes a consistent snapshot to path.
func (db *DB) Backup(path string) (kv.BackupInfo, error) {
	if err := db.check(); err != nil {
		return kv.BackupInfo{}, err
	}
	return db.env.Backup(path)
}

// Restore loads the backup at path into the database described by cfg.
// The database must not be open elsewhere.
func Restore(cfg *config.Config, path string) error {
	env, err := kv.Open(envOptions(cfg))
	if err != nil {
		return err
	}
	if err := env.Restore(path); err != nil {
		env.Close()
		return err
	}
	return env.Close()
}

// WarmupOnce runs one warmup pass followed by a stale refresh.
func (db *DB) WarmupOnce(ctx context.Context) (ppr.RunStats, error) {
	if err := db.check(); err != nil {
		return ppr.RunStats{}, err
	}
	warm, err := db.warmer.RunOnce(ctx)
	if err != nil {
		return warm, err
	}
	refresh, err := db.warmer.RefreshStale(ctx, ppr.DefaultRefreshBatch)
	if err != nil {
		return warm, err
	}
	warm.EntitiesWarmed += refresh.EntitiesWarmed
	warm.Updated += refresh.Updated
	warm.Skipped += refresh.Skipped
	warm.EdgesTraversed += refresh.EdgesTraversed
	warm.Errors += refresh.Errors
	warm.DurationMs += refresh.DurationMs
	return warm, nil
}

// Compact rebuilds the HNSW graph of every vector label, dropping tombstones.
// Each label is compacted in its own write transaction.
func (db *DB) Compact(ctx context.Context) (map[string]storage.CompactionStats, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	var labels []string
	if err := db.pool.View(func(txn *kv.Txn) error {
		var err error
		labels, err = db.engine.VectorLabels(txn)
		return err
	}); err != nil {
		return nil, err
	}

	out := make(map[string]storage.CompactionStats, len(labels))
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		err := db.pool.Update(func(txn *kv.Txn) error {
			stats, err := db.engine.CompactVectors(txn, label)
			out[label] = stats
			return err
		})
		if err != nil {
			return out, fmt.Errorf("compacting %s: %w", label, err)
		}
	}
	return out, nil
}

// Stats summarizes the database.
type Stats struct {
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	Vectors     int            `json:"vectors"`
	SizeBytes   int64          `json:"size_bytes"`
	Commits     uint64         `json:"commits"`
	PeakWriters int            `json:"peak_writers"`
	Dispatch    dispatch.Stats `json:"dispatch"`
	PPRCache    ppr.CacheStats `json:"ppr_cache"`
	DecodeCache cache.Stats    `json:"decode_cache"`
	LastWarmup  *ppr.RunStats  `json:"last_warmup,omitempty"`
	WarmupRuns  int            `json:"warmup_runs"`
}

// Stats counts entities in one snapshot and gathers runtime counters.
func (db *DB) Stats() (Stats, error) {
	if err := db.check(); err != nil {
		return Stats{}, err
	}
	var s Stats
	err := db.pool.View(func(txn *kv.Txn) error {
		var err error
		if s.Nodes, err = db.engine.NodeCount(txn); err != nil {
			return err
		}
		if s.Edges, err = db.engine.EdgeCount(txn); err != nil {
			return err
		}
		s.Vectors, err = db.engine.VectorCount(txn)
		return err
	})
	if err != nil {
		return s, err
	}
	s.SizeBytes = db.env.Size()
	s.Commits = db.env.Commits()
	s.PeakWriters = db.env.PeakWriters()
	s.Dispatch = db.pool.Stats()
	s.PPRCache = db.cache.Stats()
	s.DecodeCache = db.engine.DecodeCacheStats()
	if db.sched != nil {
		last, runs := db.sched.Last()
		s.WarmupRuns = runs
		if runs > 0 {
			s.LastWarmup = &last
		}
	}
	return s, nil
}
