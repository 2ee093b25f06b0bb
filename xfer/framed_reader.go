package xfer

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const pumpBufSize = 8192

// FramedReader reads exact byte counts from a transport under a deadline.
//
// A single pump goroutine performs the blocking reads and hands chunks over a channel, so a
// waiting caller can give up at its deadline without polling the stream. The pump exits when
// the underlying reader returns an error (normally because the transport was closed) or when
// Close is called.
//
// FramedReader is not safe for concurrent use; a session reads from it one turn at a time.
type FramedReader struct {
	chunks  chan []byte
	stop    chan struct{}
	once    sync.Once
	err     error // set by the pump before chunks is closed
	pending []byte
}

func NewFramedReader(r io.Reader) *FramedReader {
	fr := &FramedReader{
		chunks: make(chan []byte, 4),
		stop:   make(chan struct{}),
	}
	go fr.pump(r)

	return fr
}

func (fr *FramedReader) pump(r io.Reader) {
	defer close(fr.chunks)

	for {
		buf := make([]byte, pumpBufSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case fr.chunks <- buf[:n]:
			case <-fr.stop:
				return
			}
		}
		if err != nil {
			fr.err = err
			return
		}
	}
}

// Close stops handing data to the reader. It does not close the underlying stream.
func (fr *FramedReader) Close() {
	fr.once.Do(func() { close(fr.stop) })
}

// Buffered returns the number of bytes received but not yet consumed.
func (fr *FramedReader) Buffered() int {
	return len(fr.pending)
}

func (fr *FramedReader) closedErr() error {
	if fr.err == nil || errors.Is(fr.err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("%w: %v", ErrIO, fr.err)
}

// fill appends the next received chunk to pending. A zero deadline waits forever.
func (fr *FramedReader) fill(deadline time.Time) error {
	select {
	case b, ok := <-fr.chunks:
		if !ok {
			return fr.closedErr()
		}
		fr.pending = append(fr.pending, b...)
		return nil
	default:
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return ErrTimeout
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case b, ok := <-fr.chunks:
		if !ok {
			return fr.closedErr()
		}
		fr.pending = append(fr.pending, b...)
		return nil
	case <-timeout:
		return ErrTimeout
	}
}

// ReadExact returns exactly n bytes or an error: ErrTimeout when the deadline passes first,
// ErrStreamClosed when the stream ends before the first byte of the frame and ErrShortRead when
// it ends part way through. Bytes of an incomplete frame are discarded.
func (fr *FramedReader) ReadExact(n int, deadline time.Time) ([]byte, error) {
	for len(fr.pending) < n {
		if err := fr.fill(deadline); err != nil {
			partial := len(fr.pending)
			fr.pending = nil

			if errors.Is(err, io.EOF) {
				if partial == 0 {
					return nil, ErrStreamClosed
				}
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, partial, n)
			}
			return nil, err
		}
	}

	out := make([]byte, n)
	copy(out, fr.pending)
	fr.pending = fr.pending[n:]

	return out, nil
}

// WaitForAvailable reports whether at least one byte can be read within timeout.
func (fr *FramedReader) WaitForAvailable(timeout time.Duration) bool {
	return fr.wait(time.Now().Add(timeout)) == nil
}

// wait is WaitForAvailable reporting why no data arrived.
func (fr *FramedReader) wait(deadline time.Time) error {
	if len(fr.pending) > 0 {
		return nil
	}
	if err := fr.fill(deadline); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrStreamClosed
		}
		return err
	}
	return nil
}

// Until returns a reader whose reads fail with ErrTimeout once deadline has passed.
// It is used to decode a multi-field response under one overall deadline.
func (fr *FramedReader) Until(deadline time.Time) io.Reader {
	return &deadlineReader{fr: fr, deadline: deadline}
}

// Read implements io.Reader without a deadline.
func (fr *FramedReader) Read(p []byte) (int, error) {
	return fr.Until(time.Time{}).Read(p)
}

type deadlineReader struct {
	fr       *FramedReader
	deadline time.Time
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.fr.pending) == 0 {
		if err := r.fr.fill(r.deadline); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.fr.pending)
	r.fr.pending = r.fr.pending[n:]

	return n, nil
}
