package xfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// OBEX opcodes, response codes and header identifiers
const (
	obexConnect = 0x80
	obexPut     = 0x02

	obexSuccess  = 0xA0
	obexAccepted = 0xD1

	obexHeaderName      = 0x01
	obexHeaderLength    = 0xC3
	obexHeaderBody      = 0x48
	obexHeaderEndOfBody = 0x49
)

const (
	obexVersion    = 0x10
	obexConnectLen = 7
	obexStatusLen  = 3
)

// obexConnectPacket is [opcode][length][version][flags][max packet length].
var obexConnectPacket = []byte{obexConnect, 0x00, obexConnectLen, obexVersion, 0x00, 0x20, 0x00}

var obexConnectResponse = []byte{obexSuccess, 0x00, obexConnectLen, obexVersion, 0x00, 0x20, 0x00}

var obexEndOfBody = []byte{obexHeaderEndOfBody, 0x00, 0x03}

var utf16 = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// encodeOBEXName returns a Name header: UTF-16BE text terminated by a null character.
func encodeOBEXName(name string) ([]byte, error) {
	text, err := utf16.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: encode name: %v", ErrProtocol, err)
	}
	text = append(text, 0x00, 0x00)

	hdr := []byte{obexHeaderName, 0, 0}
	binary.BigEndian.PutUint16(hdr[1:], uint16(3+len(text)))

	return concat(hdr, text), nil
}

func decodeOBEXName(text []byte) (string, error) {
	text = bytes.TrimSuffix(text, []byte{0x00, 0x00})

	name, err := utf16.NewDecoder().Bytes(text)
	if err != nil {
		return "", fmt.Errorf("%w: decode name: %v", ErrProtocol, err)
	}
	return string(name), nil
}

// encodeOBEXPut returns a PUT packet carrying the Name and Length headers.
func encodeOBEXPut(name string, size uint64) ([]byte, error) {
	if size > math.MaxUint32 {
		return nil, fmt.Errorf("%w: size %d does not fit the length header", ErrInvalidLength, size)
	}

	nameHdr, err := encodeOBEXName(name)
	if err != nil {
		return nil, err
	}
	lengthHdr := binary.BigEndian.AppendUint32([]byte{obexHeaderLength}, uint32(size))

	total := 3 + len(nameHdr) + len(lengthHdr)
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("%w: name too long", ErrInvalidLength)
	}

	return concat(
		[]byte{obexPut},
		binary.BigEndian.AppendUint16(nil, uint16(total)),
		nameHdr,
		lengthHdr,
	), nil
}

// encodeOBEXBody wraps one chunk in a Body header.
func encodeOBEXBody(chunk []byte) []byte {
	return concat(
		[]byte{obexHeaderBody},
		binary.BigEndian.AppendUint16(nil, uint16(3+len(chunk))),
		chunk,
	)
}

func (c *Client) uploadOBEX(s *Session, req UploadRequest) error {
	put, err := encodeOBEXPut(req.Name, req.Size)
	if err != nil {
		return err
	}

	if err := s.Send(obexConnectPacket); err != nil {
		return err
	}
	resp, err := s.ReadExact(obexConnectLen, time.Now().Add(c.cfg.ResponseTimeout))
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	if resp[0] != obexSuccess {
		return fmt.Errorf("%w: CONNECT response 0x%02x", ErrUnexpectedStatus, resp[0])
	}

	if err := s.Send(put); err != nil {
		return err
	}
	if err := c.sendBody(s, req, encodeOBEXBody); err != nil {
		return err
	}
	if err := s.Send(obexEndOfBody); err != nil {
		return err
	}

	status, err := s.ReadExact(obexStatusLen, time.Now().Add(c.cfg.UploadAckTimeout))
	if err != nil {
		return fmt.Errorf("read final response: %w", err)
	}
	if status[0] != obexSuccess && status[0] != obexAccepted {
		return fmt.Errorf("%w: PUT response 0x%02x", ErrUnexpectedStatus, status[0])
	}

	return nil
}

// obexPutRequest is the receiving side's view of a PUT.
type obexPutRequest struct {
	Name string
	Size uint64
}

// readOBEXConnect consumes the rest of a CONNECT packet whose opcode was already read.
func readOBEXConnect(r io.Reader) error {
	lenBuf := make([]byte, 2)
	if err := readFull(r, lenBuf); err != nil {
		return fmt.Errorf("read CONNECT length: %w", err)
	}

	n := int(binary.BigEndian.Uint16(lenBuf))
	if n < obexConnectLen {
		return fmt.Errorf("%w: CONNECT length %d", ErrInvalidLength, n)
	}
	if err := readFull(r, make([]byte, n-3)); err != nil {
		return fmt.Errorf("read CONNECT: %w", err)
	}
	return nil
}

// readOBEXPut reads a PUT packet and its headers.
func readOBEXPut(r io.Reader) (obexPutRequest, error) {
	var req obexPutRequest

	hdr := make([]byte, 3)
	if err := readFull(r, hdr); err != nil {
		return req, fmt.Errorf("read PUT: %w", err)
	}
	if hdr[0] != obexPut && hdr[0] != obexPut|0x80 {
		return req, fmt.Errorf("%w: opcode 0x%02x", ErrProtocol, hdr[0])
	}

	n := int(binary.BigEndian.Uint16(hdr[1:]))
	if n < 3 {
		return req, fmt.Errorf("%w: PUT length %d", ErrInvalidLength, n)
	}
	body := make([]byte, n-3)
	if err := readFull(r, body); err != nil {
		return req, fmt.Errorf("read PUT headers: %w", err)
	}

	for len(body) > 0 {
		id := body[0]

		// The two high bits of the identifier give the header encoding.
		switch id & 0xC0 {
		case 0x00, 0x40:
			if len(body) < 3 {
				return req, fmt.Errorf("%w: header 0x%02x", ErrTruncated, id)
			}
			hlen := int(binary.BigEndian.Uint16(body[1:3]))
			if hlen < 3 || hlen > len(body) {
				return req, fmt.Errorf("%w: header 0x%02x length %d", ErrInvalidLength, id, hlen)
			}
			if id == obexHeaderName {
				name, err := decodeOBEXName(body[3:hlen])
				if err != nil {
					return req, err
				}
				req.Name = name
			}
			body = body[hlen:]
		case 0x80:
			if len(body) < 2 {
				return req, fmt.Errorf("%w: header 0x%02x", ErrTruncated, id)
			}
			body = body[2:]
		case 0xC0:
			if len(body) < 5 {
				return req, fmt.Errorf("%w: header 0x%02x", ErrTruncated, id)
			}
			if id == obexHeaderLength {
				req.Size = uint64(binary.BigEndian.Uint32(body[1:5]))
			}
			body = body[5:]
		}
	}

	return req, nil
}

// readOBEXBody copies Body headers to w until End-of-Body and returns the number of bytes copied.
func readOBEXBody(r io.Reader, w io.Writer) (uint64, error) {
	var total uint64
	hdr := make([]byte, 3)

	for {
		if err := readFull(r, hdr); err != nil {
			return total, fmt.Errorf("read body header: %w", err)
		}
		if hdr[0] != obexHeaderBody && hdr[0] != obexHeaderEndOfBody {
			return total, fmt.Errorf("%w: header 0x%02x", ErrProtocol, hdr[0])
		}

		n := int(binary.BigEndian.Uint16(hdr[1:]))
		if n < 3 {
			return total, fmt.Errorf("%w: body header length %d", ErrInvalidLength, n)
		}
		chunk := make([]byte, n-3)
		if err := readFull(r, chunk); err != nil {
			return total, fmt.Errorf("read body: %w", err)
		}
		if _, err := w.Write(chunk); err != nil {
			return total, fmt.Errorf("%w: %v", ErrIO, err)
		}
		total += uint64(len(chunk))

		if hdr[0] == obexHeaderEndOfBody {
			return total, nil
		}
	}
}
