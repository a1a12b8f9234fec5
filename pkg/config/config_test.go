package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, uint32(20), cfg.DBMaxSizeGB)
	assert.Equal(t, 16, cfg.HNSW.M)
	assert.Equal(t, 128, cfg.HNSW.EfConstruction)
	assert.Equal(t, 768, cfg.HNSW.EfSearch)
	assert.True(t, cfg.BM25.Enabled)
	assert.True(t, cfg.MCP.Enabled)
	assert.Equal(t, int64(64), cfg.Workers.MaxInflightIO)
	assert.Equal(t, 100, cfg.PPR.Warmup.TopK)
	assert.Equal(t, 0.85, cfg.PPR.Warmup.DampingFactor)
	assert.Equal(t, 15*time.Minute, cfg.PPR.Warmup.Interval)
	assert.Equal(t, 5*time.Second, cfg.PPR.Warmup.WarmupMaxDuration())
	assert.Equal(t, 4096, cfg.Cache.DecodeEntries)
	assert.True(t, cfg.Cache.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("MOSAICDB_HNSW_M", "8")
	t.Setenv("MOSAICDB_BM25_ENABLED", "false")
	t.Setenv("MOSAICDB_SECONDARY_INDICES", "person.email:unique, person.team, broken")
	t.Setenv("MOSAICDB_PPR_EDGE_WEIGHTS", "supports=1.5,opposes=0,bad")
	t.Setenv("MOSAICDB_PPR_INTERVAL", "90")
	t.Setenv("MOSAICDB_MEMORY_LIMIT", "512MB")

	cfg := LoadFromEnv()
	assert.Equal(t, 8, cfg.HNSW.M)
	assert.False(t, cfg.BM25.Enabled)
	assert.Equal(t, []IndexConfig{
		{Label: "person", Property: "email", Unique: true},
		{Label: "person", Property: "team"},
	}, cfg.Graph.SecondaryIndices)
	assert.Equal(t, map[string]float64{"supports": 1.5, "opposes": 0}, cfg.PPR.EdgeWeights)
	assert.Equal(t, 90*time.Second, cfg.PPR.Warmup.Interval)
	assert.Equal(t, int64(512*1024*1024), cfg.Memory.RuntimeLimit)
}

func TestLoadFileOverlay(t *testing.T) {
	t.Setenv("MOSAICDB_DATA_DIR", "/from/env")
	t.Setenv("MOSAICDB_HNSW_EF_SEARCH", "100")

	path := filepath.Join(t.TempDir(), "mosaicdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
in_memory: true
hnsw:
  m: 32
graph:
  secondary_indices:
    - label: doc
      property: slug
      unique: true
  unique_edge_labels: [owns]
workers:
  readers: 4
ppr:
  warmup:
    vault_id: vault-1
    entity_types: [claim, note]
  edge_weights:
    cites: 0.5
memory:
  runtime_limit: 1GB
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.DataDir, "absent keys keep env values")
	assert.True(t, cfg.InMemory)
	assert.Equal(t, 32, cfg.HNSW.M)
	assert.Equal(t, 100, cfg.HNSW.EfSearch)
	assert.Equal(t, 128, cfg.HNSW.EfConstruction)
	assert.Equal(t, []IndexConfig{{Label: "doc", Property: "slug", Unique: true}}, cfg.Graph.SecondaryIndices)
	assert.Equal(t, []string{"owns"}, cfg.Graph.UniqueEdgeLabels)
	assert.Equal(t, 4, cfg.Workers.Readers)
	assert.Equal(t, "vault-1", cfg.PPR.Warmup.VaultID)
	assert.Equal(t, []string{"claim", "note"}, cfg.PPR.Warmup.EntityTypes)
	assert.Equal(t, 0.5, cfg.PPR.EdgeWeights["cites"])
	assert.Equal(t, int64(1024*1024*1024), cfg.Memory.RuntimeLimit)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hnsw: [not, a, map"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "odd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  readers: 3\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "workers.readers")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"odd readers", func(c *Config) { c.Workers.Readers = 5 }, "workers.readers"},
		{"too few readers", func(c *Config) { c.Workers.Readers = 0 }, "workers.readers"},
		{"small m", func(c *Config) { c.HNSW.M = 1 }, "hnsw.m"},
		{"zero ef", func(c *Config) { c.HNSW.EfSearch = 0 }, "hnsw ef"},
		{"damping one", func(c *Config) { c.PPR.Warmup.DampingFactor = 1 }, "damping_factor"},
		{"damping zero", func(c *Config) { c.PPR.Warmup.DampingFactor = 0 }, "damping_factor"},
		{"negative top k", func(c *Config) { c.PPR.Warmup.TopK = -1 }, "must not be negative"},
		{"negative weight", func(c *Config) { c.PPR.EdgeWeights = map[string]float64{"x": -1} }, "edge_weights"},
		{"index without property", func(c *Config) {
			c.Graph.SecondaryIndices = []IndexConfig{{Label: "a"}}
		}, "secondary index"},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadFromEnv()
			cfg.Workers.Readers = 2
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestStringHidesAPIKey(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.Auth.APIKey = "s3cret"
	s := cfg.String()
	assert.NotContains(t, s, "s3cret")
	assert.Contains(t, s, "20 GiB")
	assert.Contains(t, s, "Auth: true")
}

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"", 0},
		{"0", 0},
		{"unlimited", 0},
		{"UNLIMITED", 0},
		{"1024", 1024},
		{"1KB", 1024},
		{"1K", 1024},
		{"1MB", 1024 * 1024},
		{"512mb", 512 * 1024 * 1024},
		{"2GB", 2 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{" 4G ", 4 * 1024 * 1024 * 1024},
		{"invalid", 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseMemorySize(tt.input))
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	assert.Equal(t, "0 B", FormatMemorySize(0))
	assert.Equal(t, "1.0 KiB", FormatMemorySize(1024))
	assert.Equal(t, "2.0 GiB", FormatMemorySize(2*1024*1024*1024))
	assert.Equal(t, "-1.0 MiB", FormatMemorySize(-1024*1024))
}

func TestApplyRuntimeMemory(t *testing.T) {
	// Defaults are a no-op.
	cfg := &MemoryConfig{GCPercent: 100}
	cfg.ApplyRuntimeMemory()
}
