package pagestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ncw/directio"
	retry "github.com/sethvargo/go-retry"

	"github.com/qmdb-go/qmdb/common"
)

const (
	// Metadata page (page 0) layout
	metadataOffsetMagic    = 0  // 4 bytes
	metadataOffsetVersion  = 4  // 4 bytes
	metadataOffsetNumPages = 8  // 4 bytes
	metadataOffsetFreeHead = 12 // 4 bytes

	metadataMagic   = 0x514D4442 // "QMDB"
	metadataVersion = 1
)

// Config holds page store configuration
type Config struct {
	// DirectIO opens the data file with O_DIRECT and aligned buffers,
	// bypassing the OS page cache. Pages are already block-aligned.
	DirectIO bool
}

type metadata struct {
	numPages uint32
	freeHead uint32
}

// Record is a decoded key-value record read back from a page chain.
type Record struct {
	Seq   uint64
	Key   []byte
	Value []byte
}

// Store is a fixed-size-page byte store over a single data file. Records
// larger than one page are chained through the per-page next pointer.
// Page 0 holds metadata; data pages start at 1.
type Store struct {
	mu     sync.RWMutex
	file   *os.File
	path   string
	direct bool
	meta   metadata
	closed bool

	// Pages freed by overwrites and deletes. They join the free list only
	// after the next successful Sync: reusing a freed page before its
	// superseding record is durable could destroy the last durable value
	// of a key.
	pendingFree []uint32

	// Statistics (atomic: reads run under the shared lock)
	stats struct {
		pageReads    atomic.Int64
		pageWrites   atomic.Int64
		bytesWritten atomic.Int64
	}
}

// Open creates or loads the page store at path.
func Open(path string, cfg Config) (*Store, error) {
	file, err := openFile(path, cfg.DirectIO)
	if err != nil {
		return nil, fmt.Errorf("failed to open page store: %w", err)
	}

	s := &Store{
		file:   file,
		path:   path,
		direct: cfg.DirectIO,
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if stat.Size() == 0 {
		s.meta = metadata{numPages: 1} // page 0 is metadata
		if err := s.writeMetadata(); err != nil {
			file.Close()
			os.Remove(path)
			return nil, err
		}
		return s, nil
	}

	if err := s.readMetadata(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func openFile(path string, direct bool) (*os.File, error) {
	flag := os.O_RDWR | os.O_CREATE
	if direct {
		return directio.OpenFile(path, flag, 0644)
	}
	return os.OpenFile(path, flag, 0644)
}

func (s *Store) readMetadata() error {
	page, err := s.readPage(0)
	if err != nil {
		return err
	}
	if binary.BigEndian.Uint32(page[metadataOffsetMagic:]) != metadataMagic {
		return ErrInvalidStore
	}
	if binary.BigEndian.Uint32(page[metadataOffsetVersion:]) != metadataVersion {
		return fmt.Errorf("%w: unsupported version", ErrInvalidStore)
	}
	s.meta.numPages = binary.BigEndian.Uint32(page[metadataOffsetNumPages:])
	s.meta.freeHead = binary.BigEndian.Uint32(page[metadataOffsetFreeHead:])
	if s.meta.numPages == 0 {
		return ErrInvalidStore
	}
	return nil
}

func (s *Store) writeMetadata() error {
	page := s.newPageBuf()
	binary.BigEndian.PutUint32(page[metadataOffsetMagic:], metadataMagic)
	binary.BigEndian.PutUint32(page[metadataOffsetVersion:], metadataVersion)
	binary.BigEndian.PutUint32(page[metadataOffsetNumPages:], s.meta.numPages)
	binary.BigEndian.PutUint32(page[metadataOffsetFreeHead:], s.meta.freeHead)
	return s.writePage(0, page)
}

// newPageBuf returns a zeroed page-sized buffer, aligned when direct I/O
// is enabled.
func (s *Store) newPageBuf() []byte {
	if s.direct {
		return directio.AlignedBlock(PageSize)
	}
	return make([]byte, PageSize)
}

func (s *Store) readPage(id uint32) ([]byte, error) {
	buf := s.newPageBuf()
	if err := s.readAt(buf, int64(id)*PageSize); err != nil {
		return nil, fmt.Errorf("failed to read page %d: %w", id, err)
	}
	s.stats.pageReads.Add(1)
	return buf, nil
}

func (s *Store) writePage(id uint32, page []byte) error {
	if err := s.writeAt(page, int64(id)*PageSize); err != nil {
		return fmt.Errorf("failed to write page %d: %w", id, err)
	}
	s.stats.pageWrites.Add(1)
	s.stats.bytesWritten.Add(PageSize)
	return nil
}

// readAt and writeAt retry transient errors with fibonacci backoff.
func (s *Store) readAt(buf []byte, off int64) error {
	return retryIO(func() error {
		_, err := s.file.ReadAt(buf, off)
		return err
	})
}

func (s *Store) writeAt(buf []byte, off int64) error {
	return retryIO(func() error {
		_, err := s.file.WriteAt(buf, off)
		return err
	})
}

func retryIO(op func() error) error {
	b := retry.WithMaxRetries(3, retry.NewFibonacci(5*time.Millisecond))
	return retry.Do(context.Background(), b, func(context.Context) error {
		err := op()
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

// allocPage hands out a page id, preferring the free list.
// Caller holds s.mu.
func (s *Store) allocPage() (uint32, error) {
	if s.meta.freeHead != 0 {
		id := s.meta.freeHead
		page, err := s.readPage(id)
		if err != nil {
			return 0, err
		}
		s.meta.freeHead = pageNext(page)
		return id, nil
	}
	id := s.meta.numPages
	s.meta.numPages++
	return id, nil
}

// WriteRecord stores a record across one or more chained pages and returns
// the head page id. Pages are written through to the file but not synced;
// durability requires a subsequent Sync.
func (s *Store) WriteRecord(seq uint64, key, value []byte) (uint32, error) {
	if len(key) > MaxKeySize {
		return 0, common.ErrKeyTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	payload := encodeRecord(seq, key, value)
	n := pagesFor(len(payload))

	ids := make([]uint32, n)
	for i := range ids {
		id, err := s.allocPage()
		if err != nil {
			return 0, err
		}
		ids[i] = id
	}

	for i := 0; i < n; i++ {
		chunk := payload[i*PayloadSize:]
		if len(chunk) > PayloadSize {
			chunk = chunk[:PayloadSize]
		}

		typ := byte(PageTypeCont)
		if i == 0 {
			typ = PageTypeHead
		}
		var next uint32
		if i+1 < n {
			next = ids[i+1]
		}

		page := s.newPageBuf()
		setPageHeader(page, typ, next, uint16(len(chunk)))
		copy(page[pageHeaderSize:], chunk)

		if err := s.writePage(ids[i], page); err != nil {
			return 0, err
		}
	}

	return ids[0], nil
}

// encodeRecord frames a record: header, key, value. The checksum covers
// seq, lengths, key and value.
func encodeRecord(seq uint64, key, value []byte) []byte {
	buf := make([]byte, recordHeaderSize+len(key)+len(value))
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(key)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(value)))
	copy(buf[recordHeaderSize:], key)
	copy(buf[recordHeaderSize+len(key):], value)
	binary.BigEndian.PutUint32(buf[16:20], recordChecksum(buf))
	return buf
}

func recordChecksum(payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(payload[0:16])
	h.Write(payload[recordHeaderSize:])
	return h.Sum32()
}

// ReadRecord reads and verifies the record chain starting at head.
// A head that is not a valid record (freed, reused, or torn) returns an
// error wrapping common.ErrCorrupted.
func (s *Store) ReadRecord(head uint32) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	payload, err := s.readChain(head)
	if err != nil {
		return nil, err
	}
	return decodeRecord(head, payload)
}

// readChain collects the payload bytes of the chain starting at head.
// Caller holds s.mu.
func (s *Store) readChain(head uint32) ([]byte, error) {
	if head == 0 || head >= s.meta.numPages {
		return nil, fmt.Errorf("%w: page %d out of bounds", common.ErrCorrupted, head)
	}

	var payload []byte
	id := head
	for hops := uint32(0); ; hops++ {
		if hops >= s.meta.numPages {
			return nil, fmt.Errorf("%w: page chain cycle at %d", common.ErrCorrupted, head)
		}

		page, err := s.readPage(id)
		if err != nil {
			return nil, err
		}

		typ := pageType(page)
		if (id == head && typ != PageTypeHead) || (id != head && typ != PageTypeCont) {
			return nil, fmt.Errorf("%w: unexpected page type %d at page %d", common.ErrCorrupted, typ, id)
		}

		used := int(pageUsed(page))
		if used > PayloadSize {
			return nil, fmt.Errorf("%w: bad payload length at page %d", common.ErrCorrupted, id)
		}
		payload = append(payload, page[pageHeaderSize:pageHeaderSize+used]...)

		next := pageNext(page)
		if next == 0 {
			return payload, nil
		}
		if next >= s.meta.numPages {
			return nil, fmt.Errorf("%w: dangling chain pointer at page %d", common.ErrCorrupted, id)
		}
		id = next
	}
}

func decodeRecord(head uint32, payload []byte) (*Record, error) {
	if len(payload) < recordHeaderSize {
		return nil, fmt.Errorf("%w: short record at page %d", common.ErrCorrupted, head)
	}

	seq := binary.BigEndian.Uint64(payload[0:8])
	keyLen := binary.BigEndian.Uint32(payload[8:12])
	valLen := binary.BigEndian.Uint32(payload[12:16])
	sum := binary.BigEndian.Uint32(payload[16:20])

	if keyLen == 0 || keyLen > MaxKeySize || valLen > MaxValueSize {
		return nil, fmt.Errorf("%w: bad record lengths at page %d", common.ErrCorrupted, head)
	}
	if recordHeaderSize+int(keyLen)+int(valLen) != len(payload) {
		return nil, fmt.Errorf("%w: record length mismatch at page %d", common.ErrCorrupted, head)
	}
	if recordChecksum(payload) != sum {
		return nil, fmt.Errorf("%w: record checksum mismatch at page %d", common.ErrCorrupted, head)
	}

	return &Record{
		Seq:   seq,
		Key:   payload[recordHeaderSize : recordHeaderSize+keyLen],
		Value: payload[recordHeaderSize+keyLen:],
	}, nil
}

// FreeRecord releases the page chain starting at head. The pages become
// reusable after the next successful Sync.
func (s *Store) FreeRecord(head uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	id := head
	for hops := uint32(0); id != 0 && id < s.meta.numPages; hops++ {
		if hops >= s.meta.numPages {
			return fmt.Errorf("%w: page chain cycle at %d", common.ErrCorrupted, head)
		}
		page, err := s.readPage(id)
		if err != nil {
			return err
		}
		s.pendingFree = append(s.pendingFree, id)
		id = pageNext(page)
	}
	return nil
}

// Scan walks every data page, decodes each valid record chain and calls fn
// for it, then rebuilds the free list from every page that is not part of a
// valid record. Torn chains left by a crash are reclaimed here. Used for
// index rebuild on open.
func (s *Store) Scan(fn func(head uint32, seq uint64, key []byte, valueLen int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	referenced := make(map[uint32]bool, s.meta.numPages)

	for id := uint32(1); id < s.meta.numPages; id++ {
		page, err := s.readPage(id)
		if err != nil {
			return err
		}
		if pageType(page) != PageTypeHead {
			continue
		}

		payload, err := s.readChain(id)
		if err != nil {
			// Torn or reused chain: the garbage pages fall out as
			// unreferenced below.
			continue
		}
		rec, err := decodeRecord(id, payload)
		if err != nil {
			continue
		}

		if err := fn(id, rec.Seq, rec.Key, len(rec.Value)); err != nil {
			return err
		}

		// Mark the whole chain as live.
		chain := id
		for chain != 0 {
			referenced[chain] = true
			p, err := s.readPage(chain)
			if err != nil {
				return err
			}
			chain = pageNext(p)
		}
	}

	// Keep the stored free list where it is still intact: a clean reopen
	// then needs no page writes at all. Only pages outside the list, torn
	// chains left by a crash, get linked on.
	onList, ok := s.walkFreeList(referenced)
	if !ok {
		s.meta.freeHead = 0
		onList = nil
	}

	s.pendingFree = s.pendingFree[:0]
	for id := s.meta.numPages - 1; id >= 1; id-- {
		if referenced[id] || onList[id] {
			continue
		}
		if err := s.pushFree(id); err != nil {
			return err
		}
	}
	return nil
}

// walkFreeList validates the stored free list against the set of live
// pages and returns its members. A list touching a live page, escaping
// the file or cycling is reported invalid and rebuilt from scratch.
// Caller holds s.mu.
func (s *Store) walkFreeList(referenced map[uint32]bool) (map[uint32]bool, bool) {
	onList := make(map[uint32]bool)
	id := s.meta.freeHead
	for hops := uint32(0); id != 0; hops++ {
		if hops >= s.meta.numPages || id >= s.meta.numPages || referenced[id] || onList[id] {
			return nil, false
		}
		page, err := s.readPage(id)
		if err != nil {
			return nil, false
		}
		if pageType(page) != PageTypeFree {
			return nil, false
		}
		onList[id] = true
		id = pageNext(page)
	}
	return onList, true
}

// pushFree links a page onto the free list. Caller holds s.mu.
func (s *Store) pushFree(id uint32) error {
	page := s.newPageBuf()
	setPageHeader(page, PageTypeFree, s.meta.freeHead, 0)
	if err := s.writePage(id, page); err != nil {
		return err
	}
	s.meta.freeHead = id
	return nil
}

// Sync makes all written pages durable and then retires pending frees onto
// the free list. The second sync covers the free-list headers so a freed
// page can never be observed as live after its successor is durable.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync page store: %w", err)
	}

	if len(s.pendingFree) > 0 {
		for _, id := range s.pendingFree {
			if err := s.pushFree(id); err != nil {
				return err
			}
		}
		s.pendingFree = s.pendingFree[:0]

		if err := s.writeMetadata(); err != nil {
			return err
		}
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync free list: %w", err)
		}
		return nil
	}

	return s.writeMetadata()
}

// NumPages returns the total number of pages including metadata.
func (s *Store) NumPages() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.numPages
}

// Close syncs and closes the data file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if err := s.file.Sync(); err != nil {
		return err
	}
	if err := s.writeMetadata(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	s.closed = true
	return nil
}
