package xfer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("%w: browse not allowed", ErrPermissionDenied), want: "PERMISSION_ERROR"},
		{err: ErrNoConnection, want: "CONNECTION_ERROR"},
		{err: fmt.Errorf("%w: peer: %w", ErrConnectionFailed, ErrTimeout), want: "CONNECTION_FAILED"},
		{err: ErrTimeout, want: "TIMEOUT"},
		{err: ErrInvalidCount, want: "PROTOCOL_ERROR"},
		{err: ErrUnexpectedStatus, want: "PROTOCOL_ERROR"},
		{err: ErrFileNotFound, want: "FILE_ERROR"},
		{err: ErrShortRead, want: "TRUNCATED"},
		{err: errors.New("disk full"), want: "IO_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestOpError(t *testing.T) {
	err := error(&OpError{Op: "browse", Path: "/sd", Attempts: 3, Err: ErrTimeout})

	assert.Equal(t, "browse /sd failed after 3 attempts: timeout", err.Error())
	assert.ErrorIs(t, err, ErrTimeout)

	err = &OpError{Op: "download", Path: "/a", Attempts: 1, Err: ErrStreamClosed}
	assert.Equal(t, "download /a: truncated: stream closed", err.Error())
	assert.ErrorIs(t, err, ErrTruncated)
}
