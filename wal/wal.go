// Package wal implements the write-ahead log: a strictly sequence-ordered
// append log of key mutations. Every mutation is logged before it becomes
// visible, so replaying the log after a crash restores any write that
// reached the log. Replay is idempotent: records are last-writer-wins
// overwrites keyed by sequence number, so applying a record twice yields
// the same state as applying it once.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// Record kinds
const (
	KindSet        = 1
	KindDelete     = 2
	KindCheckpoint = 3 // All prior records are durable in the page store
)

// Record is a single logged mutation.
type Record struct {
	Kind  byte
	Seq   uint64
	Key   []byte
	Value []byte
}

// File format:
// [Magic "QWAL"(4)][Version(4)]
// Each record:
// [Kind(1)][Seq(8)][KeyLen(4)][ValueLen(4)][Key][Value][CRC32(4)]
const (
	walMagic      = "QWAL"
	walVersion    = 1
	walHeaderSize = 8

	recordPrefixSize = 1 + 8 + 4 + 4
)

// WAL is an append-only mutation log backed by a single file.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	offset  int64
	flushed int64 // last fsynced offset
}

// Open creates or opens the WAL file at path.
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	w := &WAL{
		file: file,
		path: path,
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if stat.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		w.offset = walHeaderSize
		w.flushed = walHeaderSize
		return w, nil
	}

	if err := w.validateHeader(); err != nil {
		file.Close()
		return nil, err
	}
	w.offset = stat.Size()
	w.flushed = stat.Size()
	return w, nil
}

func (w *WAL) writeHeader() error {
	header := make([]byte, walHeaderSize)
	copy(header[0:4], walMagic)
	binary.LittleEndian.PutUint32(header[4:8], walVersion)
	_, err := w.file.WriteAt(header, 0)
	return err
}

func (w *WAL) validateHeader() error {
	header := make([]byte, walHeaderSize)
	if _, err := w.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("failed to read WAL header: %w", err)
	}
	if string(header[0:4]) != walMagic {
		return fmt.Errorf("invalid WAL magic: %q", header[0:4])
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != walVersion {
		return fmt.Errorf("unsupported WAL version: %d", v)
	}
	return nil
}

// Append writes a record to the log. The record is durable only after the
// next Sync.
func (w *WAL) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	encoded := encodeRecord(r)
	if _, err := w.file.WriteAt(encoded, w.offset); err != nil {
		return fmt.Errorf("failed to append WAL record: %w", err)
	}
	w.offset += int64(len(encoded))
	return nil
}

// Checkpoint records that all prior mutations are durable in the page
// store and syncs the marker. Replay skips everything before a checkpoint.
func (w *WAL) Checkpoint(seq uint64) error {
	if err := w.Append(Record{Kind: KindCheckpoint, Seq: seq}); err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return w.Sync()
}

func encodeRecord(r Record) []byte {
	size := recordPrefixSize + len(r.Key) + len(r.Value) + 4
	buf := make([]byte, size)

	buf[0] = r.Kind
	binary.LittleEndian.PutUint64(buf[1:9], r.Seq)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(r.Value)))
	copy(buf[recordPrefixSize:], r.Key)
	copy(buf[recordPrefixSize+len(r.Key):], r.Value)

	binary.LittleEndian.PutUint32(buf[size-4:], crc32.ChecksumIEEE(buf[:size-4]))
	return buf
}

func decodeRecord(buf []byte) (Record, bool) {
	if len(buf) < recordPrefixSize+4 {
		return Record{}, false
	}

	keyLen := binary.LittleEndian.Uint32(buf[9:13])
	valLen := binary.LittleEndian.Uint32(buf[13:17])
	size := recordPrefixSize + int(keyLen) + int(valLen) + 4
	if len(buf) < size {
		return Record{}, false
	}

	sum := binary.LittleEndian.Uint32(buf[size-4:])
	if crc32.ChecksumIEEE(buf[:size-4]) != sum {
		return Record{}, false
	}

	r := Record{
		Kind: buf[0],
		Seq:  binary.LittleEndian.Uint64(buf[1:9]),
	}
	if keyLen > 0 {
		r.Key = make([]byte, keyLen)
		copy(r.Key, buf[recordPrefixSize:])
	}
	if valLen > 0 {
		r.Value = make([]byte, valLen)
		copy(r.Value, buf[recordPrefixSize+keyLen:])
	}
	return r, true
}

// ReadAll returns the logged mutations in sequence order, for recovery.
// Records before a checkpoint marker are already durable in the page store
// and are skipped. Reading stops cleanly at a torn tail left by a crash;
// a torn tail is the expected crash artifact, not an error.
func (w *WAL) ReadAll() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var records []Record
	offset := int64(walHeaderSize)

	for offset < w.offset {
		prefix := make([]byte, recordPrefixSize)
		if _, err := w.file.ReadAt(prefix, offset); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return records, fmt.Errorf("failed to read WAL at offset %d: %w", offset, err)
		}

		keyLen := binary.LittleEndian.Uint32(prefix[9:13])
		valLen := binary.LittleEndian.Uint32(prefix[13:17])
		size := int64(recordPrefixSize) + int64(keyLen) + int64(valLen) + 4
		if offset+size > w.offset {
			break // torn tail
		}

		full := make([]byte, size)
		if _, err := w.file.ReadAt(full, offset); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return records, fmt.Errorf("failed to read WAL at offset %d: %w", offset, err)
		}

		record, ok := decodeRecord(full)
		if !ok {
			break // torn or corrupt tail
		}
		if record.Kind == KindCheckpoint {
			records = records[:0]
		} else {
			records = append(records, record)
		}
		offset += size
	}

	return records, nil
}

// Sync forces all appended records to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.flushed = w.offset
	return nil
}

// Truncate discards all records. Called after recovery has applied them
// and on clean close, when the page store is known durable.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = file

	if err := w.writeHeader(); err != nil {
		return err
	}
	w.offset = walHeaderSize
	w.flushed = walHeaderSize
	return nil
}

// Size returns the current log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Close syncs and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
