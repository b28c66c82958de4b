package common

import "errors"

// Status is the closed enumeration of result codes exposed across the C
// boundary. No other values may ever be returned.
type Status int32

const (
	StatusOK           Status = 0
	StatusError        Status = -1
	StatusNotFound     Status = -2
	StatusInvalidParam Status = -3
)

// StatusOf maps an internal error to its boundary status code. Caller
// contract violations map to StatusInvalidParam, a missing key to
// StatusNotFound, everything else (I/O failure, corruption, closed or
// locked handles, short buffers) collapses to StatusError.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrKeyNotFound):
		return StatusNotFound
	case errors.Is(err, ErrKeyEmpty), errors.Is(err, ErrInvalidParam):
		return StatusInvalidParam
	default:
		return StatusError
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusNotFound:
		return "not found"
	case StatusInvalidParam:
		return "invalid param"
	default:
		return "unknown"
	}
}
