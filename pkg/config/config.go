// Package config handles MosaicDB configuration via environment variables and
// an optional YAML file.
//
// Defaults come from LoadFromEnv, which reads MOSAICDB_* variables. A YAML
// file loaded with LoadFile overlays them: keys present in the file win,
// absent keys keep their environment or default value.
//
// Example Usage:
//
//	cfg, err := config.Load("mosaicdb.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Printf("Data dir: %s\n", cfg.DataDir)
//
// Environment Variables:
//
// Storage:
//   - MOSAICDB_DATA_DIR="./data"
//   - MOSAICDB_IN_MEMORY=false
//   - MOSAICDB_DB_MAX_SIZE_GB=20
//   - MOSAICDB_HNSW_M=16, MOSAICDB_HNSW_EF_CONSTRUCTION=128, MOSAICDB_HNSW_EF_SEARCH=768
//   - MOSAICDB_BM25_ENABLED=true
//   - MOSAICDB_SECONDARY_INDICES="person.email:unique,person.team"
//
// PPR warmup:
//   - MOSAICDB_PPR_VAULT_ID, MOSAICDB_PPR_TOP_K=100, MOSAICDB_PPR_INTERVAL=15m
//   - MOSAICDB_PPR_EDGE_WEIGHTS="supports=1.0,opposes=0"
//
// For a complete list, see LoadFromEnv.
package config

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config holds all MosaicDB configuration.
type Config struct {
	// Storage
	DataDir     string `yaml:"data_dir"`
	InMemory    bool   `yaml:"in_memory"`
	SyncWrites  bool   `yaml:"sync_writes"`
	DBMaxSizeGB uint32 `yaml:"db_max_size_gb"`

	HNSW HNSWConfig `yaml:"hnsw"`
	BM25 BM25Config `yaml:"bm25"`
	MCP  MCPConfig  `yaml:"mcp"`

	// EmbeddingModel names the model handlers use for remote embedding.
	EmbeddingModel string `yaml:"embedding_model"`

	Graph GraphConfig `yaml:"graph"`

	// Schema is pre-rendered schema text, persisted in version_info.
	Schema string `yaml:"schema"`

	Workers WorkersConfig `yaml:"workers"`
	Auth    AuthConfig    `yaml:"auth"`
	PPR     PPRConfig     `yaml:"ppr"`
	Cache   CacheConfig   `yaml:"cache"`
	Memory  MemoryConfig  `yaml:"memory"`
	Logging LoggingConfig `yaml:"logging"`
}

// HNSWConfig holds vector index parameters.
type HNSWConfig struct {
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

// BM25Config holds full-text index settings.
type BM25Config struct {
	Enabled bool `yaml:"enabled"`
	// Fields restricts indexing to these properties (empty = all strings).
	Fields []string `yaml:"fields"`
}

// MCPConfig toggles MCP-style handlers.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// IndexConfig declares one secondary index.
type IndexConfig struct {
	Label    string `yaml:"label"`
	Property string `yaml:"property"`
	Unique   bool   `yaml:"unique"`
}

// GraphConfig holds graph schema options.
type GraphConfig struct {
	SecondaryIndices []IndexConfig `yaml:"secondary_indices"`
	UniqueEdgeLabels []string      `yaml:"unique_edge_labels"`
}

// WorkersConfig sizes the dispatch pool.
type WorkersConfig struct {
	// Readers must be even and >= 2.
	Readers       int   `yaml:"readers"`
	MaxInflightIO int64 `yaml:"max_inflight_io"`
}

// AuthConfig holds request authentication.
type AuthConfig struct {
	// APIKey, when set, is required on every request.
	APIKey string `yaml:"api_key"`
}

// WarmupConfig holds PPR warmup parameters.
type WarmupConfig struct {
	Enabled            bool          `yaml:"enabled"`
	VaultID            string        `yaml:"vault_id"`
	TopK               int           `yaml:"top_k"`
	EntityTypes        []string      `yaml:"entity_types"`
	RecencyWindowDays  int           `yaml:"recency_window_days"`
	Depth              int           `yaml:"depth"`
	DampingFactor      float64       `yaml:"damping_factor"`
	MaxExpansion       int           `yaml:"max_expansion"`
	MaxDurationMs      int           `yaml:"max_duration_ms"`
	Interval           time.Duration `yaml:"interval"`
	MaxWritesPerSecond float64       `yaml:"max_writes_per_second"`
}

// PPRConfig holds PPR settings.
type PPRConfig struct {
	Warmup WarmupConfig `yaml:"warmup"`
	// EdgeWeights override the default label weights.
	EdgeWeights map[string]float64 `yaml:"edge_weights"`
}

// CacheConfig sizes the decode caches for vector payloads and PPR entries.
type CacheConfig struct {
	// Enabled switches both decode caches on or off.
	Enabled       bool          `yaml:"enabled"`
	DecodeEntries int           `yaml:"decode_entries"`
	DecodeTTL     time.Duration `yaml:"decode_ttl"`
}

// MemoryConfig holds Go runtime memory tuning.
type MemoryConfig struct {
	// RuntimeLimit is the soft memory limit (GOMEMLIMIT) in bytes.
	// 0 = unlimited.
	RuntimeLimit int64 `yaml:"-"`
	// RuntimeLimitStr is the human-readable form (e.g., "2GB", "512MB").
	RuntimeLimitStr string `yaml:"runtime_limit"`
	// GCPercent controls GC aggressiveness (GOGC).
	GCPercent int `yaml:"gc_percent"`
	// PoolEnabled controls scratch buffer pooling.
	PoolEnabled bool `yaml:"pool_enabled"`
	// PoolMaxSize caps the capacity of buffers returned to a pool.
	PoolMaxSize int `yaml:"pool_max_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (json, text)
	Format string `yaml:"format"`
}

// LoadFromEnv builds a Config from MOSAICDB_* environment variables and
// defaults.
func LoadFromEnv() *Config {
	config := &Config{}

	config.DataDir = getEnv("MOSAICDB_DATA_DIR", "./data")
	config.InMemory = getEnvBool("MOSAICDB_IN_MEMORY", false)
	config.SyncWrites = getEnvBool("MOSAICDB_SYNC_WRITES", false)
	config.DBMaxSizeGB = uint32(getEnvInt("MOSAICDB_DB_MAX_SIZE_GB", 20))

	config.HNSW.M = getEnvInt("MOSAICDB_HNSW_M", 16)
	config.HNSW.EfConstruction = getEnvInt("MOSAICDB_HNSW_EF_CONSTRUCTION", 128)
	config.HNSW.EfSearch = getEnvInt("MOSAICDB_HNSW_EF_SEARCH", 768)

	config.BM25.Enabled = getEnvBool("MOSAICDB_BM25_ENABLED", true)
	config.BM25.Fields = getEnvStringSlice("MOSAICDB_BM25_FIELDS", nil)
	config.MCP.Enabled = getEnvBool("MOSAICDB_MCP_ENABLED", true)
	config.EmbeddingModel = getEnv("MOSAICDB_EMBEDDING_MODEL", "")
	config.Schema = getEnv("MOSAICDB_SCHEMA", "")

	config.Graph.SecondaryIndices = parseIndices(getEnvStringSlice("MOSAICDB_SECONDARY_INDICES", nil))
	config.Graph.UniqueEdgeLabels = getEnvStringSlice("MOSAICDB_UNIQUE_EDGE_LABELS", nil)

	config.Workers.Readers = getEnvInt("MOSAICDB_WORKERS_READERS", 2*runtime.GOMAXPROCS(0))
	config.Workers.MaxInflightIO = int64(getEnvInt("MOSAICDB_MAX_INFLIGHT_IO", 64))
	config.Auth.APIKey = getEnv("MOSAICDB_API_KEY", "")

	w := &config.PPR.Warmup
	w.Enabled = getEnvBool("MOSAICDB_PPR_WARMUP_ENABLED", false)
	w.VaultID = getEnv("MOSAICDB_PPR_VAULT_ID", "")
	w.TopK = getEnvInt("MOSAICDB_PPR_TOP_K", 100)
	w.EntityTypes = getEnvStringSlice("MOSAICDB_PPR_ENTITY_TYPES", nil)
	w.RecencyWindowDays = getEnvInt("MOSAICDB_PPR_RECENCY_WINDOW_DAYS", 30)
	w.Depth = getEnvInt("MOSAICDB_PPR_DEPTH", 3)
	w.DampingFactor = getEnvFloat("MOSAICDB_PPR_DAMPING_FACTOR", 0.85)
	w.MaxExpansion = getEnvInt("MOSAICDB_PPR_MAX_EXPANSION", 50)
	w.MaxDurationMs = getEnvInt("MOSAICDB_PPR_MAX_DURATION_MS", 5000)
	w.Interval = getEnvDuration("MOSAICDB_PPR_INTERVAL", 15*time.Minute)
	w.MaxWritesPerSecond = getEnvFloat("MOSAICDB_PPR_MAX_WRITES_PER_SECOND", 0)
	config.PPR.EdgeWeights = parseWeights(getEnvStringSlice("MOSAICDB_PPR_EDGE_WEIGHTS", nil))

	config.Cache.Enabled = getEnvBool("MOSAICDB_CACHE_ENABLED", true)
	config.Cache.DecodeEntries = getEnvInt("MOSAICDB_CACHE_DECODE_ENTRIES", 4096)
	config.Cache.DecodeTTL = getEnvDuration("MOSAICDB_CACHE_DECODE_TTL", 10*time.Minute)

	config.Memory.RuntimeLimitStr = getEnv("MOSAICDB_MEMORY_LIMIT", "0")
	config.Memory.RuntimeLimit = parseMemorySize(config.Memory.RuntimeLimitStr)
	config.Memory.GCPercent = getEnvInt("MOSAICDB_GC_PERCENT", 100)
	config.Memory.PoolEnabled = getEnvBool("MOSAICDB_POOL_ENABLED", true)
	config.Memory.PoolMaxSize = getEnvInt("MOSAICDB_POOL_MAX_SIZE", 1<<20)

	config.Logging.Level = getEnv("MOSAICDB_LOG_LEVEL", "info")
	config.Logging.Format = getEnv("MOSAICDB_LOG_FORMAT", "text")

	return config
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	c.Memory.RuntimeLimit = parseMemorySize(c.Memory.RuntimeLimitStr)
	return nil
}

// Load reads the environment, overlays path when it is not empty, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := LoadFromEnv()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("data_dir is required unless in_memory is set")
	}
	if c.HNSW.M < 2 {
		return fmt.Errorf("invalid hnsw.m: %d (must be >= 2)", c.HNSW.M)
	}
	if c.HNSW.EfConstruction < 1 || c.HNSW.EfSearch < 1 {
		return fmt.Errorf("invalid hnsw ef: construction=%d search=%d", c.HNSW.EfConstruction, c.HNSW.EfSearch)
	}
	if c.Workers.Readers < 2 || c.Workers.Readers%2 != 0 {
		return fmt.Errorf("invalid workers.readers: %d (must be even and >= 2)", c.Workers.Readers)
	}
	if c.Workers.MaxInflightIO < 0 {
		return fmt.Errorf("invalid workers.max_inflight_io: %d", c.Workers.MaxInflightIO)
	}
	w := c.PPR.Warmup
	if w.DampingFactor <= 0 || w.DampingFactor >= 1 {
		return fmt.Errorf("invalid ppr.warmup.damping_factor: %v (must be in (0,1))", w.DampingFactor)
	}
	if w.TopK < 0 || w.Depth < 0 || w.MaxExpansion < 0 || w.MaxDurationMs < 0 || w.RecencyWindowDays < 0 {
		return fmt.Errorf("ppr.warmup sizes must not be negative")
	}
	if w.MaxWritesPerSecond < 0 || w.Interval < 0 {
		return fmt.Errorf("ppr.warmup rate and interval must not be negative")
	}
	for label, weight := range c.PPR.EdgeWeights {
		if weight < 0 {
			return fmt.Errorf("invalid ppr.edge_weights[%s]: %v", label, weight)
		}
	}
	for _, idx := range c.Graph.SecondaryIndices {
		if idx.Label == "" || idx.Property == "" {
			return fmt.Errorf("secondary index needs label and property: %+v", idx)
		}
	}
	if c.Cache.DecodeEntries < 0 || c.Cache.DecodeTTL < 0 {
		return fmt.Errorf("cache sizes must not be negative")
	}
	if c.Memory.RuntimeLimit < 0 {
		return fmt.Errorf("invalid memory.runtime_limit: %s", c.Memory.RuntimeLimitStr)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}

// String returns a representation of the Config safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, InMemory: %v, MaxSize: %s, HNSW: m=%d, BM25: %v, Readers: %d, Auth: %v}",
		c.DataDir, c.InMemory,
		humanize.IBytes(uint64(c.DBMaxSizeGB)<<30),
		c.HNSW.M, c.BM25.Enabled, c.Workers.Readers,
		c.Auth.APIKey != "",
	)
}

// WarmupMaxDuration returns the warmup time limit.
func (w WarmupConfig) WarmupMaxDuration() time.Duration {
	return time.Duration(w.MaxDurationMs) * time.Millisecond
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// parseIndices parses "label.property[:unique]" entries. Malformed entries
// are skipped.
func parseIndices(entries []string) []IndexConfig {
	var out []IndexConfig
	for _, e := range entries {
		entry, mode, _ := strings.Cut(e, ":")
		label, prop, ok := strings.Cut(entry, ".")
		if !ok || label == "" || prop == "" {
			continue
		}
		out = append(out, IndexConfig{Label: label, Property: prop, Unique: mode == "unique"})
	}
	return out
}

// parseWeights parses "label=weight" entries. Malformed entries are skipped.
func parseWeights(entries []string) map[string]float64 {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		label, raw, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(label)] = w
	}
	return out
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as a human-readable IEC string.
func FormatMemorySize(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 && c.GCPercent != 0 {
		debug.SetGCPercent(c.GCPercent)
	}
}
