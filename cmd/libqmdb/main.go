// Package main builds the C-linkage surface of the database as a shared
// library:
//
//	go build -buildmode=c-shared -o libqmdb.so ./cmd/libqmdb
//
// The exported functions implement qmdb.h exactly. Callers hold an opaque
// handle; no Go pointer ever crosses the boundary, since handles are
// runtime/cgo.Handle values. All results are reported through the closed
// status enumeration (0 OK, -1 Error, -2 NotFound, -3 InvalidParam).
package main

/*
#include <stdint.h>
#include <stddef.h>

typedef struct {
	uint64_t entries_count;
	uint64_t total_size_bytes;
	uint64_t cache_size_bytes;
	uint64_t cache_hits;
	uint64_t cache_misses;
} QMDBMetrics;
*/
import "C"

import (
	"errors"
	"runtime/cgo"
	"unsafe"

	"github.com/qmdb-go/qmdb/common"
	"github.com/qmdb-go/qmdb/engine"
)

// cVersion is allocated once; qmdb_version must return a stable pointer
// that callers never free.
var cVersion = C.CString(engine.Version())

func dbFromHandle(handle unsafe.Pointer) (*engine.DB, bool) {
	if handle == nil {
		return nil, false
	}
	h := cgo.Handle(uintptr(handle))
	db, ok := h.Value().(*engine.DB)
	return db, ok
}

func goBytes(ptr *C.uint8_t, n C.size_t) []byte {
	if ptr == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(n))
}

//export qmdb_open
func qmdb_open(path *C.char) unsafe.Pointer {
	if path == nil {
		return nil
	}
	db, err := engine.Open(C.GoString(path), engine.DefaultConfig())
	if err != nil {
		return nil
	}
	return unsafe.Pointer(cgo.NewHandle(db))
}

//export qmdb_set
func qmdb_set(handle unsafe.Pointer, keyPtr *C.uint8_t, keyLen C.size_t, valuePtr *C.uint8_t, valueLen C.size_t) C.int {
	db, ok := dbFromHandle(handle)
	if !ok || keyPtr == nil || keyLen == 0 {
		return C.int(common.StatusInvalidParam)
	}
	return C.int(common.StatusOf(db.Set(goBytes(keyPtr, keyLen), goBytes(valuePtr, valueLen))))
}

//export qmdb_get
func qmdb_get(handle unsafe.Pointer, keyPtr *C.uint8_t, keyLen C.size_t, valuePtr *C.uint8_t, valueLen *C.size_t) C.int {
	db, ok := dbFromHandle(handle)
	if !ok || keyPtr == nil || keyLen == 0 || valueLen == nil {
		return C.int(common.StatusInvalidParam)
	}

	dst := goBytes(valuePtr, *valueLen)
	n, err := db.GetInto(goBytes(keyPtr, keyLen), dst)
	if err != nil {
		if errors.Is(err, common.ErrBufferTooSmall) {
			// Report the true length so the caller can retry with a
			// larger buffer; never truncate silently.
			*valueLen = C.size_t(n)
			return C.int(common.StatusError)
		}
		return C.int(common.StatusOf(err))
	}

	*valueLen = C.size_t(n)
	return C.int(common.StatusOK)
}

//export qmdb_flush
func qmdb_flush(handle unsafe.Pointer) C.int {
	db, ok := dbFromHandle(handle)
	if !ok {
		return C.int(common.StatusInvalidParam)
	}
	return C.int(common.StatusOf(db.Flush()))
}

//export qmdb_close
func qmdb_close(handle unsafe.Pointer) C.int {
	db, ok := dbFromHandle(handle)
	if !ok {
		return C.int(common.StatusInvalidParam)
	}
	err := db.Close()
	cgo.Handle(uintptr(handle)).Delete()
	return C.int(common.StatusOf(err))
}

//export qmdb_get_metrics
func qmdb_get_metrics(handle unsafe.Pointer, metrics *C.QMDBMetrics) C.int {
	db, ok := dbFromHandle(handle)
	if !ok || metrics == nil {
		return C.int(common.StatusInvalidParam)
	}

	m, err := db.Metrics()
	if err != nil {
		return C.int(common.StatusOf(err))
	}

	metrics.entries_count = C.uint64_t(m.EntriesCount)
	metrics.total_size_bytes = C.uint64_t(m.TotalSizeBytes)
	metrics.cache_size_bytes = C.uint64_t(m.CacheSizeBytes)
	metrics.cache_hits = C.uint64_t(m.CacheHits)
	metrics.cache_misses = C.uint64_t(m.CacheMisses)
	return C.int(common.StatusOK)
}

//export qmdb_version
func qmdb_version() *C.char {
	return cVersion
}

func main() {}
