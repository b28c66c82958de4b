package pagestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/qmdb-go/qmdb/common/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := testutil.TempDir(t)
	s, err := Open(filepath.Join(dir, "test.data"), Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	key := []byte("hello")
	value := []byte("world")

	head, err := s.WriteRecord(1, key, value)
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}

	rec, err := s.ReadRecord(head)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if rec.Seq != 1 {
		t.Errorf("seq: expected 1, got %d", rec.Seq)
	}
	if !bytes.Equal(rec.Key, key) {
		t.Errorf("key mismatch: %q", rec.Key)
	}
	if !bytes.Equal(rec.Value, value) {
		t.Errorf("value mismatch: %q", rec.Value)
	}
}

func TestMultiPageRecord(t *testing.T) {
	s := openTestStore(t)

	// Spans 4 pages.
	value := testutil.Pattern(3*PayloadSize+100, 7)

	head, err := s.WriteRecord(5, []byte("big"), value)
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}

	rec, err := s.ReadRecord(head)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if !bytes.Equal(rec.Value, value) {
		t.Fatalf("multi-page value mismatch: got %d bytes, want %d", len(rec.Value), len(value))
	}
}

func TestZeroLengthValue(t *testing.T) {
	s := openTestStore(t)

	head, err := s.WriteRecord(1, []byte("empty"), nil)
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	rec, err := s.ReadRecord(head)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if len(rec.Value) != 0 {
		t.Errorf("expected empty value, got %d bytes", len(rec.Value))
	}
}

func TestFreedPagesReusedAfterSync(t *testing.T) {
	s := openTestStore(t)

	head, err := s.WriteRecord(1, []byte("k"), testutil.Pattern(PayloadSize*2, 1))
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	before := s.NumPages()

	if err := s.FreeRecord(head); err != nil {
		t.Fatalf("FreeRecord failed: %v", err)
	}

	// Pages are not reusable until the free is covered by a sync.
	if _, err := s.WriteRecord(2, []byte("k"), testutil.Pattern(PayloadSize*2, 2)); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if s.NumPages() == before {
		t.Fatal("pages reused before sync")
	}

	if err := s.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	grown := s.NumPages()

	// Now the freed chain must satisfy a same-size write without growth.
	if _, err := s.WriteRecord(3, []byte("k2"), testutil.Pattern(PayloadSize*2, 3)); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if s.NumPages() != grown {
		t.Errorf("expected reuse of freed pages: %d pages grew to %d", grown, s.NumPages())
	}
}

func TestScanRebuildsRecords(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "test.data")

	s, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	heads := map[uint32]string{}
	for i, k := range []string{"a", "b", "c"} {
		head, err := s.WriteRecord(uint64(i+1), []byte(k), testutil.Pattern(100, byte(i)))
		if err != nil {
			t.Fatalf("WriteRecord failed: %v", err)
		}
		heads[head] = k
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(path, Config{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	found := map[uint32]string{}
	err = s.Scan(func(head uint32, seq uint64, key []byte, valueLen int) error {
		if valueLen != 100 {
			t.Errorf("valueLen: expected 100, got %d", valueLen)
		}
		found[head] = string(key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(found) != len(heads) {
		t.Fatalf("scan found %d records, want %d", len(found), len(heads))
	}
	for head, k := range heads {
		if found[head] != k {
			t.Errorf("head %d: expected key %q, got %q", head, k, found[head])
		}
	}
}

func TestScanReclaimsTornChain(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "test.data")

	s, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.WriteRecord(1, []byte("good"), []byte("v")); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a torn write: a head page whose record bytes never made
	// it to disk intact.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	torn := make([]byte, PageSize)
	setPageHeader(torn, PageTypeHead, 0, 500)
	if _, err := f.WriteAt(torn, int64(2)*PageSize); err != nil {
		t.Fatal(err)
	}
	// Extend accounting so the torn page is inside the store.
	meta := make([]byte, PageSize)
	if _, err := f.ReadAt(meta, 0); err != nil {
		t.Fatal(err)
	}
	meta[metadataOffsetNumPages+3] = 3 // numPages = 3
	if _, err := f.WriteAt(meta, 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err = Open(path, Config{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	count := 0
	err = s.Scan(func(head uint32, seq uint64, key []byte, valueLen int) error {
		count++
		if string(key) != "good" {
			t.Errorf("unexpected key %q from scan", key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the intact record, got %d", count)
	}

	// The torn page must now be on the free list.
	before := s.NumPages()
	if _, err := s.WriteRecord(9, []byte("new"), []byte("v")); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if s.NumPages() != before {
		t.Errorf("torn page not reclaimed: store grew from %d to %d pages", before, s.NumPages())
	}
}

func TestScanKeepsStoredFreeList(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "test.data")

	s, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.WriteRecord(uint64(i+1), []byte{byte('a' + i)}, testutil.Pattern(100, byte(i))); err != nil {
			t.Fatalf("WriteRecord failed: %v", err)
		}
	}
	head, err := s.WriteRecord(4, []byte("gone"), testutil.Pattern(PayloadSize+10, 9))
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if err := s.FreeRecord(head); err != nil {
		t.Fatalf("FreeRecord failed: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(path, Config{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	// A clean reopen scan finds the stored free list intact and must not
	// rewrite any page.
	writesBefore := s.stats.pageWrites.Load()
	err = s.Scan(func(head uint32, seq uint64, key []byte, valueLen int) error { return nil })
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if writes := s.stats.pageWrites.Load() - writesBefore; writes != 0 {
		t.Fatalf("clean scan rewrote %d pages", writes)
	}

	// The stored free list still serves allocation.
	before := s.NumPages()
	if _, err := s.WriteRecord(5, []byte("new"), testutil.Pattern(PayloadSize+10, 2)); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if s.NumPages() != before {
		t.Errorf("free pages not reused: store grew from %d to %d pages", before, s.NumPages())
	}
}

func TestKeyTooLarge(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.WriteRecord(1, make([]byte, MaxKeySize+1), nil); err == nil {
		t.Fatal("expected error for oversized key")
	}
}
