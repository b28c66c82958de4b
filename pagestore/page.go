package pagestore

import (
	"encoding/binary"
	"errors"
)

const (
	// PageSize matches the OS page size and the direct I/O block size.
	PageSize = 4096

	// Page header layout: [type(1)][next(4)][used(2)] = 7 bytes
	pageHeaderSize = 7
	pageOffsetType = 0
	pageOffsetNext = 1
	pageOffsetUsed = 5

	// PayloadSize is the number of record bytes a single page can carry.
	PayloadSize = PageSize - pageHeaderSize

	// Page types
	PageTypeFree = 0 // On the free list, or never written
	PageTypeHead = 1 // First page of a record chain
	PageTypeCont = 2 // Continuation page of a record chain

	// Record header at the start of a head page's payload:
	// [seq(8)][keyLen(4)][valueLen(4)][crc32(4)] = 20 bytes
	recordHeaderSize = 20

	// MaxKeySize bounds keys so a record header plus key always fits
	// comfortably in a few pages and corrupt headers are detectable.
	MaxKeySize = 64 << 10

	// MaxValueSize bounds values; scan treats larger lengths as corruption.
	MaxValueSize = 256 << 20
)

var (
	ErrInvalidStore = errors.New("invalid page store file")
	ErrStoreClosed  = errors.New("page store closed")
)

func pageType(p []byte) byte   { return p[pageOffsetType] }
func pageNext(p []byte) uint32 { return binary.BigEndian.Uint32(p[pageOffsetNext:]) }
func pageUsed(p []byte) uint16 { return binary.BigEndian.Uint16(p[pageOffsetUsed:]) }

func setPageHeader(p []byte, typ byte, next uint32, used uint16) {
	p[pageOffsetType] = typ
	binary.BigEndian.PutUint32(p[pageOffsetNext:], next)
	binary.BigEndian.PutUint16(p[pageOffsetUsed:], used)
}

// pagesFor returns the number of pages needed for n record bytes.
func pagesFor(n int) int {
	return (n + PayloadSize - 1) / PayloadSize
}
