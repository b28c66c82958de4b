package bench

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/qmdb-go/qmdb/common/testutil"
	"github.com/qmdb-go/qmdb/engine"
)

func TestRunAgainstEngine(t *testing.T) {
	db, err := engine.Open(testutil.TempDir(t), engine.DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	b := New(db, Config{
		Name:            "smoke",
		ReadRatio:       0.5,
		KeyDistribution: DistUniform,
		NumKeys:         100,
		KeySize:         16,
		ValueSize:       64,
		Duration:        200 * time.Millisecond,
		Concurrency:     4,
		PreloadKeys:     100,
		Seed:            1,
	})

	result, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalOps == 0 {
		t.Fatal("benchmark performed no operations")
	}
	if result.TotalOps != result.ReadOps+result.WriteOps {
		t.Errorf("op counts inconsistent: %d != %d + %d", result.TotalOps, result.ReadOps, result.WriteOps)
	}
	// Every key was preloaded, so reads never miss the keyspace.
	if result.NotFound != 0 {
		t.Errorf("unexpected not-found reads: %d", result.NotFound)
	}
	if result.CacheHits+result.CacheMisses < uint64(result.ReadOps) {
		t.Errorf("cache counters (%d+%d) below read count %d",
			result.CacheHits, result.CacheMisses, result.ReadOps)
	}
}

func TestKeyGeneratorBounds(t *testing.T) {
	for _, dist := range []KeyDistribution{DistUniform, DistZipfian, DistSequential, DistLatest, DistState} {
		kg := NewKeyGenerator(1000, 16, dist, 42)
		for i := 0; i < 500; i++ {
			key := kg.NextKey()
			if len(key) != 16 {
				t.Fatalf("%s: key size %d, want 16", dist, len(key))
			}
		}
	}
}

func TestKeyGeneratorDeterministic(t *testing.T) {
	a := NewKeyGenerator(1000, 20, DistZipfian, 7)
	b := NewKeyGenerator(1000, 20, DistZipfian, 7)
	for i := 0; i < 100; i++ {
		if !bytes.Equal(a.NextKey(), b.NextKey()) {
			t.Fatal("same seed produced different key sequences")
		}
	}
}

func TestStateKeysSpreadUniformly(t *testing.T) {
	kg := NewKeyGenerator(10000, 32, DistState, 1)

	var buckets [16]int
	for i := 0; i < 10000; i++ {
		key := kg.GenerateSequential(i)
		buckets[key[0]>>4]++
	}

	// Hashed keys must not cluster the way raw sequential ones do.
	for i, n := range buckets {
		if n == 0 {
			t.Errorf("bucket %d empty: state keys are not spreading", i)
		}
	}
}
