// qmdb-bench drives configurable read/write workloads against a database
// directory and reports throughput, latency percentiles and cache
// behavior.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qmdb-go/qmdb/bench"
	"github.com/qmdb-go/qmdb/engine"
)

var (
	dbPath       string
	keyCount     int
	keySize      int
	valueSize    int
	readRatio    float64
	duration     time.Duration
	concurrency  int
	distribution string
	preloadKeys  int
	seed         int64
	cacheBytes   int64
	directIO     bool
	jsonLog      bool
)

var rootCmd = &cobra.Command{
	Use:   "qmdb-bench",
	Short: "Benchmark a qmdb database directory",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&dbPath, "path", "./benchdb", "Database directory")
	flags.IntVar(&keyCount, "keys", 100000, "Number of unique keys")
	flags.IntVar(&keySize, "key-size", 32, "Key size in bytes")
	flags.IntVar(&valueSize, "value-size", 256, "Value size in bytes")
	flags.Float64Var(&readRatio, "read-ratio", 0.8, "Fraction of operations that are reads")
	flags.DurationVar(&duration, "duration", 30*time.Second, "Benchmark duration")
	flags.IntVar(&concurrency, "concurrency", 8, "Concurrent workers")
	flags.StringVar(&distribution, "distribution", "zipfian", "Key distribution: uniform|zipfian|sequential|latest|state")
	flags.IntVar(&preloadKeys, "preload", 0, "Keys to load before the run (0 = all)")
	flags.Int64Var(&seed, "seed", 42, "Random seed")
	flags.Int64Var(&cacheBytes, "cache-bytes", 64<<20, "Read cache budget in bytes")
	flags.BoolVar(&directIO, "direct-io", false, "Bypass the OS page cache for data pages")
	flags.BoolVar(&jsonLog, "json-log", false, "Emit JSON logs instead of console output")
}

func run(cmd *cobra.Command, args []string) error {
	if jsonLog {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	preload := preloadKeys
	if preload == 0 {
		preload = keyCount
	}

	cfg := engine.DefaultConfig()
	cfg.CacheBytes = cacheBytes
	cfg.DirectIO = directIO
	cfg.Logger = log.Logger

	log.Info().
		Str("path", dbPath).
		Str("version", engine.Version()).
		Int("keys", keyCount).
		Float64("read_ratio", readRatio).
		Int("concurrency", concurrency).
		Msg("starting benchmark")

	db, err := engine.Open(dbPath, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	b := bench.New(db, bench.Config{
		Name:            "qmdb-bench",
		ReadRatio:       readRatio,
		KeyDistribution: bench.KeyDistribution(distribution),
		NumKeys:         keyCount,
		KeySize:         keySize,
		ValueSize:       valueSize,
		Duration:        duration,
		Concurrency:     concurrency,
		PreloadKeys:     preload,
		Seed:            seed,
	})

	result, err := b.Run(context.Background())
	if err != nil {
		return err
	}

	log.Info().
		Int64("total_ops", result.TotalOps).
		Int64("reads", result.ReadOps).
		Int64("writes", result.WriteOps).
		Int64("not_found", result.NotFound).
		Float64("ops_per_sec", result.OpsPerSec).
		Dur("duration", result.Duration).
		Msg("benchmark complete")

	log.Info().
		Dur("p50", result.ReadLatency.P50).
		Dur("p95", result.ReadLatency.P95).
		Dur("p99", result.ReadLatency.P99).
		Dur("max", result.ReadLatency.Max).
		Msg("read latency")

	log.Info().
		Dur("p50", result.WriteLatency.P50).
		Dur("p95", result.WriteLatency.P95).
		Dur("p99", result.WriteLatency.P99).
		Dur("max", result.WriteLatency.Max).
		Msg("write latency")

	log.Info().
		Uint64("hits", result.CacheHits).
		Uint64("misses", result.CacheMisses).
		Float64("hit_rate", result.CacheHitRate).
		Uint64("entries", result.FinalMetrics.EntriesCount).
		Uint64("total_bytes", result.FinalMetrics.TotalSizeBytes).
		Uint64("cache_bytes", result.FinalMetrics.CacheSizeBytes).
		Msg("engine metrics")

	return nil
}

func main() {
	// Pretty console logs by default; --json-log switches in run.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("benchmark failed")
	}
}
