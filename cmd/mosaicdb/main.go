// Package main provides the MosaicDB maintenance CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/orneryd/mosaicdb/pkg/config"
	"github.com/orneryd/mosaicdb/pkg/logging"
	"github.com/orneryd/mosaicdb/pkg/mosaicdb"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mosaicdb",
		Short: "MosaicDB - embedded graph, vector and full-text database",
		Long: `MosaicDB stores a property graph, HNSW vector indexes and a BM25
full-text index in one embedded Badger database.

This tool runs maintenance operations against a data directory:
  • stats      entity counts and runtime counters
  • backup     consistent single-file snapshot
  • restore    load a snapshot into an empty data directory
  • warmup     precompute PPR cache entries
  • compact    rebuild HNSW graphs without tombstones`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overlays MOSAICDB_* env vars)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "MosaicDB v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  runStats,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "backup [file]",
		Short: "Write a consistent snapshot to file",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "restore [file]",
		Short: "Load a snapshot into the data directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	})

	warmupCmd := &cobra.Command{
		Use:   "warmup",
		Short: "Run one PPR warmup and stale-refresh pass",
		RunE:  runWarmup,
	}
	warmupCmd.Flags().String("vault", "", "Vault to warm (overrides ppr.warmup.vault_id)")
	warmupCmd.Flags().Int("top-k", 0, "Number of candidates (overrides ppr.warmup.top_k)")
	rootCmd.AddCommand(warmupCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "compact",
		Short: "Rebuild HNSW graphs and drop deleted vectors",
		RunE:  runCompact,
	})

	return rootCmd
}

// loadConfig resolves env, config file and flag overrides, and applies
// process-wide settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	level, _ := cmd.Flags().GetString("log-level")

	cfg := config.LoadFromEnv()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.InMemory = false
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	// Maintenance commands never run the background scheduler.
	cfg.PPR.Warmup.Enabled = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	cfg.Memory.ApplyRuntimeMemory()
	return cfg, nil
}

func openDB(cmd *cobra.Command) (*mosaicdb.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return mosaicdb.Open(cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) (bool, error) {
	asJSON, _ := cmd.Flags().GetBool("json")
	if !asJSON {
		return false, nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd, stats); ok {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Nodes:        %s\n", humanize.Comma(int64(stats.Nodes)))
	fmt.Fprintf(out, "Edges:        %s\n", humanize.Comma(int64(stats.Edges)))
	fmt.Fprintf(out, "Vectors:      %s\n", humanize.Comma(int64(stats.Vectors)))
	fmt.Fprintf(out, "Size on disk: %s\n", humanize.IBytes(uint64(stats.SizeBytes)))
	fmt.Fprintf(out, "PPR cache:    %d hits, %d misses, %d stale hits\n",
		stats.PPRCache.Hits, stats.PPRCache.Misses, stats.PPRCache.StaleHits)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	info, err := db.Backup(args[0])
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd, info); ok {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s (%s, version %d) in %s\n",
		info.Path, humanize.IBytes(uint64(info.Bytes)), info.Version, info.Duration.Round(time.Millisecond))
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.InMemory {
		return fmt.Errorf("restore needs an on-disk data directory")
	}
	if err := mosaicdb.Restore(cfg, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s into %s\n", args[0], cfg.DataDir)
	return nil
}

func runWarmup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if vault, _ := cmd.Flags().GetString("vault"); vault != "" {
		cfg.PPR.Warmup.VaultID = vault
	}
	if topK, _ := cmd.Flags().GetInt("top-k"); topK > 0 {
		cfg.PPR.Warmup.TopK = topK
	}
	db, err := mosaicdb.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()
	stats, err := db.WarmupOnce(ctx)
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd, stats); ok {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Warmed %d entries (%d created, %d updated, %d skipped, %d errors) in %dms\n",
		stats.EntitiesWarmed, stats.Created, stats.Updated, stats.Skipped, stats.Errors, stats.DurationMs)
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()
	stats, err := db.Compact(ctx)
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd, stats); ok {
		return err
	}
	labels := make([]string, 0, len(stats))
	for label := range stats {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		s := stats[label]
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d removed, %d reindexed\n", label, s.Removed, s.Reindexed)
	}
	if len(labels) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No vector labels to compact")
	}
	return nil
}
