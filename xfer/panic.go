package xfer

import (
	"fmt"
	"runtime/debug"
)

// dontPanic logs panics instead of crashing
func dontPanic(logger Logger) {
	if r := recover(); r != nil {
		logger.Error("PANIC", "err", r, "trace", string(debug.Stack()))
	}
}

// recoverTo converts a panic into an error assigned to *errp.
func recoverTo(logger Logger, errp *error) {
	if r := recover(); r != nil {
		logger.Error("PANIC", "err", r, "trace", string(debug.Stack()))
		*errp = fmt.Errorf("%w: panic: %v", ErrIO, r)
	}
}
