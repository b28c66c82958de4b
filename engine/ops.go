package engine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/qmdb-go/qmdb/common"
	"github.com/qmdb-go/qmdb/index"
	"github.com/qmdb-go/qmdb/wal"
)

// lookupRetries bounds the re-read loop taken when a concurrent Set
// recycles the pages a reader had already located.
const lookupRetries = 8

// Set installs value as the current value for key, replacing any prior
// value. The mutation is logged to the WAL before it becomes visible; it
// is durable only after the next Flush.
//
// The WAL append is the recovery commit point: a Set that returns an
// error after its record reached the WAL is not visible in this session,
// but the record replays on the next Open and the mutation takes effect
// then.
func (db *DB) Set(key, value []byte) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	if db.closed.Load() {
		return common.ErrClosed
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	seq := db.seq.Add(1)

	if err := db.wal.Append(wal.Record{Kind: wal.KindSet, Seq: seq, Key: key, Value: value}); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	head, err := db.store.WriteRecord(seq, key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	// The pin keeps the cached entry resident until the index swap
	// below completes.
	db.cache.Put(key, value, seq, true)
	defer db.cache.Unpin(key)

	// The index swap is the commit point for concurrent readers.
	prev, existed := db.idx.Put(key, index.Entry{
		Head:     head,
		ValueLen: uint32(len(value)),
		Seq:      seq,
	})
	if existed {
		db.totalBytes.Add(int64(len(value)) - int64(prev.ValueLen))
		if err := db.store.FreeRecord(prev.Head); err != nil {
			db.log.Warn().Err(err).Msg("failed to free replaced record")
		}
	} else {
		db.totalBytes.Add(int64(len(key) + len(value)))
	}

	return nil
}

// Delete removes key. Returns common.ErrKeyNotFound if the key is absent.
func (db *DB) Delete(key []byte) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	if db.closed.Load() {
		return common.ErrClosed
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, ok := db.idx.Get(key); !ok {
		return common.ErrKeyNotFound
	}

	seq := db.seq.Add(1)

	if err := db.wal.Append(wal.Record{Kind: wal.KindDelete, Seq: seq, Key: key}); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	prev, existed := db.idx.Delete(key)
	if !existed {
		return common.ErrKeyNotFound
	}

	db.totalBytes.Add(-int64(len(key)) - int64(prev.ValueLen))
	db.cache.Invalidate(key)
	if err := db.store.FreeRecord(prev.Head); err != nil {
		db.log.Warn().Err(err).Msg("failed to free deleted record")
	}

	return nil
}

// Get returns a copy of the current value for key, or
// common.ErrKeyNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	v, err := db.lookup(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// GetInto copies the current value for key into dst and returns the true
// value length. When dst is too small the true length is still returned
// together with common.ErrBufferTooSmall, and dst is left untouched;
// callers retry with a larger buffer.
func (db *DB) GetInto(key, dst []byte) (int, error) {
	v, err := db.lookup(key)
	if err != nil {
		return 0, err
	}
	if len(v) > len(dst) {
		return len(v), common.ErrBufferTooSmall
	}
	return copy(dst, v), nil
}

// lookup consults the cache first, then the index and page store,
// populating the cache on the way back. The returned slice must be copied
// before it escapes to a caller.
func (db *DB) lookup(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, common.ErrKeyEmpty
	}
	if db.closed.Load() {
		return nil, common.ErrClosed
	}

	if v, ok := db.cache.Get(key); ok {
		return v, nil
	}

	// A concurrent Set can recycle the pages between the index read and
	// the record read; the stale location then fails its checksum or
	// carries a different seq/key, and a fresh index read sees the new
	// location.
	for attempt := 0; attempt < lookupRetries; attempt++ {
		e, ok := db.idx.Get(key)
		if !ok {
			return nil, common.ErrKeyNotFound
		}

		rec, err := db.store.ReadRecord(e.Head)
		if err != nil {
			if errors.Is(err, common.ErrCorrupted) {
				continue
			}
			return nil, err
		}
		if rec.Seq != e.Seq || !bytes.Equal(rec.Key, key) {
			continue
		}

		db.cache.Put(key, rec.Value, e.Seq, false)
		return rec.Value, nil
	}

	return nil, fmt.Errorf("%w: record for key unreadable after %d attempts", common.ErrCorrupted, lookupRetries)
}
