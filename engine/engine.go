package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/qmdb-go/qmdb/cache"
	"github.com/qmdb-go/qmdb/common"
	"github.com/qmdb-go/qmdb/index"
	"github.com/qmdb-go/qmdb/pagestore"
	"github.com/qmdb-go/qmdb/wal"
)

const (
	dataFileName = "qmdb.data"
	walFileName  = "qmdb.wal"
)

// Config holds database configuration
type Config struct {
	// CacheBytes is the read cache byte budget.
	CacheBytes int64

	// DirectIO bypasses the OS page cache for the data file.
	DirectIO bool

	// Logger receives lifecycle and recovery events. Defaults to a
	// no-op logger.
	Logger zerolog.Logger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		CacheBytes: 64 << 20,
		DirectIO:   false,
		Logger:     zerolog.Nop(),
	}
}

// DB is one open database session. It exclusively owns its directory and
// the index, page store, WAL and cache within it.
type DB struct {
	dir   string
	cfg   Config
	log   zerolog.Logger
	store *pagestore.Store
	wal   *wal.WAL
	idx   *index.Index
	cache *cache.Cache
	lock  *dirLock

	// writeMu serializes mutations with respect to the WAL append; WAL
	// order is the source of truth for happens-before across mutations.
	writeMu sync.Mutex
	flushMu sync.Mutex

	seq        atomic.Uint64
	totalBytes atomic.Int64
	closed     atomic.Bool
}

// Open acquires exclusive access to the directory at dir, recovers any
// mutations left in the WAL by an unclean shutdown, and returns a live
// handle. Exactly one handle may hold a directory open at a time.
func Open(dir string, cfg Config) (*DB, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty database path", common.ErrInvalidParam)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	store, err := pagestore.Open(filepath.Join(dir, dataFileName), pagestore.Config{DirectIO: cfg.DirectIO})
	if err != nil {
		lock.release()
		return nil, err
	}

	w, err := wal.Open(filepath.Join(dir, walFileName))
	if err != nil {
		store.Close()
		lock.release()
		return nil, err
	}

	db := &DB{
		dir:   dir,
		cfg:   cfg,
		log:   cfg.Logger,
		store: store,
		wal:   w,
		idx:   index.New(),
		cache: cache.New(cfg.CacheBytes),
		lock:  lock,
	}

	if err := db.recover(); err != nil {
		w.Close()
		store.Close()
		lock.release()
		return nil, err
	}

	db.log.Info().
		Str("path", dir).
		Int64("entries", db.idx.Len()).
		Bool("direct_io", cfg.DirectIO).
		Msg("opened database")

	return db, nil
}

// Flush forces all WAL records and buffered page writes accepted by prior
// mutations to stable storage. After a nil return, a crash cannot lose any
// mutation acknowledged before Flush was called. The database remains
// usable after a flush failure.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return common.ErrClosed
	}

	db.flushMu.Lock()
	defer db.flushMu.Unlock()

	// WAL first (write-ahead), then pages.
	if err := db.wal.Sync(); err != nil {
		db.log.Error().Err(err).Msg("flush: WAL sync failed")
		return err
	}
	if err := db.store.Sync(); err != nil {
		db.log.Error().Err(err).Msg("flush: page store sync failed")
		return err
	}
	return nil
}

// Close flushes, releases the directory lock and frees all owned
// resources. Calling Close again returns ErrClosed.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return common.ErrClosed
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.flushMu.Lock()
	defer db.flushMu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(db.wal.Sync())
	keep(db.store.Sync())
	if firstErr == nil {
		// Pages are durable; the log is no longer needed.
		keep(db.wal.Checkpoint(db.seq.Load()))
		keep(db.wal.Truncate())
	}
	keep(db.wal.Close())
	keep(db.store.Close())
	db.lock.release()

	db.log.Info().Str("path", db.dir).Err(firstErr).Msg("closed database")
	return firstErr
}

// Metrics returns a point-in-time snapshot of the session counters.
func (db *DB) Metrics() (common.Metrics, error) {
	if db.closed.Load() {
		return common.Metrics{}, common.ErrClosed
	}

	return common.Metrics{
		EntriesCount:   uint64(db.idx.Len()),
		TotalSizeBytes: uint64(db.totalBytes.Load()),
		CacheSizeBytes: uint64(db.cache.Bytes()),
		CacheHits:      db.cache.Hits(),
		CacheMisses:    db.cache.Misses(),
	}, nil
}
