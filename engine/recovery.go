package engine

import (
	"fmt"

	"github.com/qmdb-go/qmdb/index"
	"github.com/qmdb-go/qmdb/wal"
)

// recover rebuilds the index from the page store, replays WAL mutations
// that never reached the pages, and checkpoints. Replay is last-writer-
// wins by sequence number, so running it twice from the same state yields
// the same result.
func (db *DB) recover() error {
	var maxSeq uint64
	var stale []uint32

	err := db.store.Scan(func(head uint32, seq uint64, key []byte, valueLen int) error {
		if seq > maxSeq {
			maxSeq = seq
		}

		prev, existed := db.idx.Get(key)
		if existed && prev.Seq >= seq {
			stale = append(stale, head)
			return nil
		}
		if existed {
			stale = append(stale, prev.Head)
			db.totalBytes.Add(int64(valueLen) - int64(prev.ValueLen))
		} else {
			db.totalBytes.Add(int64(len(key) + valueLen))
		}
		db.idx.Put(key, index.Entry{Head: head, ValueLen: uint32(valueLen), Seq: seq})
		return nil
	})
	if err != nil {
		return fmt.Errorf("page store scan: %w", err)
	}

	// Records superseded within the scan itself (two generations of the
	// same key both on disk).
	for _, head := range stale {
		if err := db.store.FreeRecord(head); err != nil {
			return err
		}
	}

	records, err := db.wal.ReadAll()
	if err != nil {
		return fmt.Errorf("WAL read: %w", err)
	}

	replayed := 0
	for _, rec := range records {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}

		switch rec.Kind {
		case wal.KindSet:
			if prev, ok := db.idx.Get(rec.Key); ok && prev.Seq >= rec.Seq {
				continue // already in the page store
			}
			head, err := db.store.WriteRecord(rec.Seq, rec.Key, rec.Value)
			if err != nil {
				return fmt.Errorf("WAL replay: %w", err)
			}
			prev, existed := db.idx.Put(rec.Key, index.Entry{
				Head:     head,
				ValueLen: uint32(len(rec.Value)),
				Seq:      rec.Seq,
			})
			if existed {
				db.totalBytes.Add(int64(len(rec.Value)) - int64(prev.ValueLen))
				if err := db.store.FreeRecord(prev.Head); err != nil {
					return err
				}
			} else {
				db.totalBytes.Add(int64(len(rec.Key) + len(rec.Value)))
			}
			replayed++

		case wal.KindDelete:
			prev, ok := db.idx.Get(rec.Key)
			if !ok || prev.Seq >= rec.Seq {
				continue
			}
			db.idx.Delete(rec.Key)
			db.totalBytes.Add(-int64(len(rec.Key)) - int64(prev.ValueLen))
			if err := db.store.FreeRecord(prev.Head); err != nil {
				return err
			}
			replayed++
		}
	}

	// Make the recovered state durable before discarding the log.
	if err := db.store.Sync(); err != nil {
		return fmt.Errorf("recovery sync: %w", err)
	}
	if len(records) > 0 {
		if err := db.wal.Checkpoint(maxSeq); err != nil {
			return err
		}
	}
	if err := db.wal.Truncate(); err != nil {
		return fmt.Errorf("WAL truncate: %w", err)
	}

	db.seq.Store(maxSeq)

	if replayed > 0 {
		db.log.Info().
			Int("replayed", replayed).
			Uint64("last_seq", maxSeq).
			Msg("recovered mutations from WAL")
	}
	return nil
}
