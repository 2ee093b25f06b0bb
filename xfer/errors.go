package xfer

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoConnection     = errors.New("no device connected")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("timeout")
	ErrProtocol         = errors.New("protocol error")
	ErrFileNotFound     = errors.New("file not found")
	ErrIO               = errors.New("i/o error")
	ErrTruncated        = errors.New("truncated")
)

// Protocol error kinds. Each one matches ErrProtocol with errors.Is.
var (
	ErrInvalidLength    = fmt.Errorf("%w: invalid length", ErrProtocol)
	ErrInvalidCount     = fmt.Errorf("%w: invalid count", ErrProtocol)
	ErrUnexpectedStatus = fmt.Errorf("%w: unexpected status", ErrProtocol)
)

// Stream errors returned by the FramedReader. Both match ErrTruncated.
var (
	ErrStreamClosed = fmt.Errorf("%w: stream closed", ErrTruncated)
	ErrShortRead    = fmt.Errorf("%w: short read", ErrTruncated)
)

// OpError is returned by every Client and Receiver operation.
type OpError struct {
	Op       string // "browse", "download", ...
	Path     string
	Attempts int // only set for operations that retry
	Err      error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" failed after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Code maps an error to the stable identifier reported to API callers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_ERROR"
	case errors.Is(err, ErrNoConnection):
		return "CONNECTION_ERROR"
	case errors.Is(err, ErrConnectionFailed):
		return "CONNECTION_FAILED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrProtocol):
		return "PROTOCOL_ERROR"
	case errors.Is(err, ErrFileNotFound):
		return "FILE_ERROR"
	case errors.Is(err, ErrTruncated):
		return "TRUNCATED"
	default:
		return "IO_ERROR"
	}
}
