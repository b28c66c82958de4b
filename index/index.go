// Package index maps keys to the page store location of their current
// value. It is a sharded in-memory hash map, rebuilt on open by scanning
// the page store and replaying the WAL.
package index

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	// Shard count is a power of two for cheap modulo.
	numShards = 256
	shardMask = numShards - 1
)

// Entry locates a key's current record in the page store.
type Entry struct {
	Head     uint32 // Head page of the record chain
	ValueLen uint32
	Seq      uint64 // WAL sequence of the installing mutation
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Index is a concurrent key → location map with fine-grained locking.
type Index struct {
	shards [numShards]*shard
	count  atomic.Int64
}

func New() *Index {
	ix := &Index{}
	for i := range ix.shards {
		ix.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	return ix
}

func (ix *Index) shardFor(key []byte) *shard {
	return ix.shards[xxhash.Sum64(key)&shardMask]
}

// Get returns the entry for key, if present.
func (ix *Index) Get(key []byte) (Entry, bool) {
	s := ix.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[string(key)]
	return e, ok
}

// Put installs e as the current entry for key and returns the previous
// entry, if any.
func (ix *Index) Put(key []byte, e Entry) (Entry, bool) {
	s := ix.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[string(key)]
	s.entries[string(key)] = e
	if !existed {
		ix.count.Add(1)
	}
	return prev, existed
}

// Delete removes key and returns the removed entry, if any.
func (ix *Index) Delete(key []byte) (Entry, bool) {
	s := ix.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[string(key)]
	if existed {
		delete(s.entries, string(key))
		ix.count.Add(-1)
	}
	return prev, existed
}

// Len returns the number of live keys.
func (ix *Index) Len() int64 {
	return ix.count.Load()
}
