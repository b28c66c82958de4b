package common

import "errors"

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyEmpty    = errors.New("key cannot be empty")
	ErrKeyTooLarge = errors.New("key exceeds maximum size")

	ErrClosed       = errors.New("database closed")
	ErrLocked       = errors.New("database directory locked by another process")
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrBufferTooSmall is returned when a caller-supplied value buffer cannot
	// hold the stored value. The true value length is still reported so the
	// caller can retry with a larger buffer.
	ErrBufferTooSmall = errors.New("value buffer too small")

	ErrCorrupted = errors.New("data corrupted")
)
