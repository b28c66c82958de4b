package index

import (
	"fmt"
	"sync"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	ix := New()

	key := []byte("user42")
	if _, ok := ix.Get(key); ok {
		t.Fatal("unexpected hit on empty index")
	}

	if _, existed := ix.Put(key, Entry{Head: 3, ValueLen: 10, Seq: 1}); existed {
		t.Fatal("Put reported a previous entry on first insert")
	}
	if ix.Len() != 1 {
		t.Fatalf("Len: expected 1, got %d", ix.Len())
	}

	e, ok := ix.Get(key)
	if !ok || e.Head != 3 || e.ValueLen != 10 || e.Seq != 1 {
		t.Fatalf("Get returned wrong entry: %+v", e)
	}

	prev, existed := ix.Put(key, Entry{Head: 7, ValueLen: 20, Seq: 2})
	if !existed || prev.Head != 3 {
		t.Fatalf("expected previous entry with head 3, got %+v", prev)
	}
	if ix.Len() != 1 {
		t.Fatalf("Len after update: expected 1, got %d", ix.Len())
	}

	removed, existed := ix.Delete(key)
	if !existed || removed.Head != 7 {
		t.Fatalf("Delete returned wrong entry: %+v", removed)
	}
	if ix.Len() != 0 {
		t.Fatalf("Len after delete: expected 0, got %d", ix.Len())
	}
	if _, existed := ix.Delete(key); existed {
		t.Fatal("second delete reported an entry")
	}
}

func TestConcurrentAccess(t *testing.T) {
	ix := New()

	const workers = 8
	const keysPerWorker = 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < keysPerWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-key%04d", w, i))
				ix.Put(key, Entry{Head: uint32(i + 1), Seq: uint64(i + 1)})
				if e, ok := ix.Get(key); !ok || e.Head != uint32(i+1) {
					t.Errorf("lost update for %s", key)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if ix.Len() != workers*keysPerWorker {
		t.Fatalf("Len: expected %d, got %d", workers*keysPerWorker, ix.Len())
	}
}
