// Package bench drives read/write workloads against an open database and
// measures throughput, latency percentiles and cache behavior.
package bench

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qmdb-go/qmdb/common"
)

// Target is the database surface a benchmark exercises.
type Target interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Flush() error
	Metrics() (common.Metrics, error)
}

// Config defines a benchmark scenario
type Config struct {
	Name string

	ReadRatio       float64 // 0.0 = write-only, 1.0 = read-only
	KeyDistribution KeyDistribution

	NumKeys   int // Total unique keys in dataset
	KeySize   int // Bytes
	ValueSize int // Bytes

	Duration    time.Duration // How long to run
	Concurrency int           // Number of concurrent workers

	PreloadKeys int // Keys to load before the benchmark starts

	Seed int64
}

type Result struct {
	Config Config

	TotalOps  int64
	WriteOps  int64
	ReadOps   int64
	NotFound  int64
	Duration  time.Duration
	OpsPerSec float64

	WriteLatency LatencyStats
	ReadLatency  LatencyStats

	// Engine metrics delta over the run
	CacheHits    uint64
	CacheMisses  uint64
	CacheHitRate float64
	FinalMetrics common.Metrics
}

type Benchmark struct {
	target Target
	config Config

	writeLatencies *LatencyHistogram
	readLatencies  *LatencyHistogram

	writeCount atomic.Int64
	readCount  atomic.Int64
	notFound   atomic.Int64

	keyGen *KeyGenerator
}

func New(target Target, config Config) *Benchmark {
	return &Benchmark{
		target:         target,
		config:         config,
		writeLatencies: NewLatencyHistogram(),
		readLatencies:  NewLatencyHistogram(),
		keyGen:         NewKeyGenerator(config.NumKeys, config.KeySize, config.KeyDistribution, config.Seed),
	}
}

// Run preloads, executes the workload and collects results.
func (b *Benchmark) Run(ctx context.Context) (*Result, error) {
	if b.config.PreloadKeys > 0 {
		if err := b.preload(); err != nil {
			return nil, fmt.Errorf("preload: %w", err)
		}
	}

	start, err := b.target.Metrics()
	if err != nil {
		return nil, err
	}
	startTime := time.Now()

	if err := b.runWorkload(ctx); err != nil {
		return nil, err
	}

	duration := time.Since(startTime)
	end, err := b.target.Metrics()
	if err != nil {
		return nil, err
	}

	return b.collect(duration, start, end), nil
}

func (b *Benchmark) preload() error {
	value := make([]byte, b.config.ValueSize)
	rand.Read(value)

	for i := 0; i < b.config.PreloadKeys; i++ {
		if err := b.target.Set(b.keyGen.GenerateSequential(i), value); err != nil {
			return err
		}
	}
	return b.target.Flush()
}

func (b *Benchmark) runWorkload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.Duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.config.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			return b.worker(ctx, worker)
		})
	}
	return g.Wait()
}

func (b *Benchmark) worker(ctx context.Context, id int) error {
	value := make([]byte, b.config.ValueSize)
	rand.Read(value)

	keys := NewKeyGenerator(b.config.NumKeys, b.config.KeySize, b.config.KeyDistribution, b.config.Seed+int64(id))
	decide := mrand.New(mrand.NewSource(b.config.Seed + int64(id)*7919))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		key := keys.NextKey()
		if decide.Float64() < b.config.ReadRatio {
			start := time.Now()
			_, err := b.target.Get(key)
			b.readLatencies.Record(time.Since(start))
			b.readCount.Add(1)
			if err != nil {
				if errors.Is(err, common.ErrKeyNotFound) {
					b.notFound.Add(1)
					continue
				}
				return fmt.Errorf("worker %d read: %w", id, err)
			}
		} else {
			start := time.Now()
			if err := b.target.Set(key, value); err != nil {
				return fmt.Errorf("worker %d write: %w", id, err)
			}
			b.writeLatencies.Record(time.Since(start))
			b.writeCount.Add(1)
		}
	}
}

func (b *Benchmark) collect(duration time.Duration, start, end common.Metrics) *Result {
	reads := b.readCount.Load()
	writes := b.writeCount.Load()
	total := reads + writes

	hits := end.CacheHits - start.CacheHits
	misses := end.CacheMisses - start.CacheMisses
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return &Result{
		Config:       b.config,
		TotalOps:     total,
		WriteOps:     writes,
		ReadOps:      reads,
		NotFound:     b.notFound.Load(),
		Duration:     duration,
		OpsPerSec:    float64(total) / duration.Seconds(),
		WriteLatency: b.writeLatencies.Stats(),
		ReadLatency:  b.readLatencies.Stats(),
		CacheHits:    hits,
		CacheMisses:  misses,
		CacheHitRate: hitRate,
		FinalMetrics: end,
	}
}
