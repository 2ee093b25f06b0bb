package xfer

import (
	"fmt"
	"io"
	"time"
)

// Session is one request/response exchange over a leased transport. Writes and reads take
// strict turns; nothing is pipelined.
type Session struct {
	lease  *Lease
	reader *FramedReader

	BytesSent     uint64
	BytesReceived uint64
	ExpectedSize  uint64
}

func newSession(l *Lease) *Session {
	return &Session{lease: l, reader: l.Reader()}
}

func (s *Session) Send(b []byte) error {
	n, err := s.lease.Write(b)
	s.BytesSent += uint64(n)
	if err != nil {
		return fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	return nil
}

func (s *Session) ReadExact(n int, deadline time.Time) ([]byte, error) {
	b, err := s.reader.ReadExact(n, deadline)
	s.BytesReceived += uint64(len(b))
	return b, err
}

// Wait blocks until the peer starts answering or the deadline passes.
func (s *Session) Wait(deadline time.Time) error {
	return s.reader.wait(deadline)
}

// Until returns a reader bound by deadline that counts received bytes.
func (s *Session) Until(deadline time.Time) io.Reader {
	return &countingReader{r: s.reader.Until(deadline), n: &s.BytesReceived}
}

type countingReader struct {
	r io.Reader
	n *uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += uint64(n)
	return n, err
}
