package xfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

// ProtocolVersion selects the wire revision spoken with a peer. Revisions are not negotiated:
// both sides must be configured with the same one.
type ProtocolVersion uint8

const (
	V1 ProtocolVersion = 1 // single byte opcode, single byte path and name lengths
	V2 ProtocolVersion = 2 // version prefixed commands, two byte lengths, ACK + response header
)

func (v ProtocolVersion) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	}
	return fmt.Sprintf("ProtocolVersion(%d)", uint8(v))
}

// CommandType identifies a request independently of its revision specific opcode.
type CommandType int

const (
	CmdBrowse CommandType = iota
	CmdGetDetails
	CmdDownload
	CmdUpload
)

var commandTypeNames = map[CommandType]string{
	CmdBrowse:     "browse",
	CmdGetDetails: "get-details",
	CmdDownload:   "download",
	CmdUpload:     "upload",
}

func (t CommandType) String() string {
	if name, ok := commandTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int(t))
}

// Opcodes is an opcode profile. The same byte means different things in different profiles.
type Opcodes struct {
	Browse     byte
	GetDetails byte
	Download   byte
}

var (
	// LegacyOpcodes is the two command profile: browse and download.
	LegacyOpcodes = Opcodes{Browse: 0x01, Download: 0x02}

	// CommandSetOpcodes is the three command profile that adds get-details.
	CommandSetOpcodes = Opcodes{Browse: 0x01, GetDetails: 0x02, Download: 0x03}
)

func (o Opcodes) opcode(t CommandType) (byte, error) {
	var op byte
	switch t {
	case CmdBrowse:
		op = o.Browse
	case CmdGetDetails:
		op = o.GetDetails
	case CmdDownload:
		op = o.Download
	}
	if op == 0 {
		return 0, fmt.Errorf("%w: command %s has no opcode in this profile", ErrProtocol, t)
	}
	return op, nil
}

func (o Opcodes) commandType(op byte) (CommandType, error) {
	switch {
	case op == 0:
	case op == o.Browse:
		return CmdBrowse, nil
	case op == o.GetDetails:
		return CmdGetDetails, nil
	case op == o.Download:
		return CmdDownload, nil
	}
	return 0, fmt.Errorf("%w: unknown opcode 0x%02x", ErrProtocol, op)
}

// Command is a client request.
type Command struct {
	Type CommandType
	Path string
}

// Codec encodes and decodes the messages of one protocol revision.
type Codec interface {
	Version() ProtocolVersion
	EncodeCommand(cmd Command) ([]byte, error)
	DecodeCommand(r io.Reader) (Command, error)
	EncodeFileEntry(e FileEntry) ([]byte, error)
	DecodeFileEntry(r io.Reader) (FileEntry, error)
	EncodeFileList(entries []FileEntry) ([]byte, error)
	DecodeFileList(r io.Reader) ([]FileEntry, error)
}

// NewCodec returns the codec for version.
func NewCodec(version ProtocolVersion, opcodes Opcodes, mime MIMETable) (Codec, error) {
	switch version {
	case V1:
		return &v1Codec{entryCodec{opcodes: opcodes, mime: mime, nameLenSize: 1}}, nil
	case V2:
		return &v2Codec{entryCodec{opcodes: opcodes, mime: mime, nameLenSize: 2}}, nil
	}
	return nil, fmt.Errorf("unsupported protocol version %d", version)
}

// readFull reads len(buf) bytes and reports a short stream as ErrTruncated. Other read errors,
// such as ErrTimeout from a deadline bound reader, are returned unchanged.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: wanted %d bytes", ErrTruncated, len(buf))
		}
		return err
	}
	return nil
}

// entryCodec holds the parts shared by all revisions: file entries only differ in the width
// of the name length field.
type entryCodec struct {
	opcodes     Opcodes
	mime        MIMETable
	nameLenSize int
}

func (c entryCodec) EncodeFileEntry(e FileEntry) ([]byte, error) {
	name := []byte(e.Name)
	if len(name) == 0 || len(name) > maxNameLen {
		return nil, fmt.Errorf("%w: name length %d", ErrInvalidLength, len(name))
	}

	nameLen := make([]byte, c.nameLenSize)
	if c.nameLenSize == 1 {
		if len(name) > 0xFF {
			return nil, fmt.Errorf("%w: name length %d exceeds one byte", ErrInvalidLength, len(name))
		}
		nameLen[0] = byte(len(name))
	} else {
		binary.BigEndian.PutUint16(nameLen, uint16(len(name)))
	}

	return concat(
		nameLen,
		name,
		binary.BigEndian.AppendUint16(nil, e.Attributes),
		binary.BigEndian.AppendUint64(nil, e.Size),
	), nil
}

func (c entryCodec) DecodeFileEntry(r io.Reader) (FileEntry, error) {
	var e FileEntry

	lenBuf := make([]byte, c.nameLenSize)
	if err := readFull(r, lenBuf); err != nil {
		return e, fmt.Errorf("read name length: %w", err)
	}

	var nameLen int
	if c.nameLenSize == 1 {
		nameLen = int(lenBuf[0])
	} else {
		nameLen = int(binary.BigEndian.Uint16(lenBuf))
	}
	if nameLen == 0 || nameLen > maxNameLen {
		return e, fmt.Errorf("%w: name length %d", ErrInvalidLength, nameLen)
	}

	name := make([]byte, nameLen)
	if err := readFull(r, name); err != nil {
		return e, fmt.Errorf("read name: %w", err)
	}

	// attributes (2) + size (8)
	rest := make([]byte, 10)
	if err := readFull(r, rest); err != nil {
		return e, fmt.Errorf("read attributes: %w", err)
	}

	e.Name = string(name)
	e.Attributes = binary.BigEndian.Uint16(rest[0:2])
	e.Size = binary.BigEndian.Uint64(rest[2:10])
	e.MIMEType = c.mime.Lookup(e.Name)

	return e, nil
}

func (c entryCodec) EncodeFileList(entries []FileEntry) ([]byte, error) {
	if len(entries) > maxFileCount {
		return nil, fmt.Errorf("%w: %d entries", ErrInvalidCount, len(entries))
	}

	b := binary.BigEndian.AppendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		eb, err := c.EncodeFileEntry(e)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", e.Name, err)
		}
		b = append(b, eb...)
	}

	return b, nil
}

func (c entryCodec) DecodeFileList(r io.Reader) ([]FileEntry, error) {
	countBuf := make([]byte, 4)
	if err := readFull(r, countBuf); err != nil {
		return nil, fmt.Errorf("read file count: %w", err)
	}

	// The count is compared as an unsigned value so 0xFFFFFFFF (-1 to a signed reader) is
	// rejected instead of wrapping.
	count := binary.BigEndian.Uint32(countBuf)
	if count > maxFileCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	entries := make([]FileEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := c.DecodeFileEntry(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}

func validPath(p string) error {
	if !utf8.ValidString(p) {
		return fmt.Errorf("%w: path is not valid UTF-8", ErrProtocol)
	}
	return nil
}

// v1Codec frames commands as [opcode][u8 pathLen][path].
type v1Codec struct {
	entryCodec
}

func (c *v1Codec) Version() ProtocolVersion { return V1 }

func (c *v1Codec) EncodeCommand(cmd Command) ([]byte, error) {
	op, err := c.opcodes.opcode(cmd.Type)
	if err != nil {
		return nil, err
	}
	if err := validPath(cmd.Path); err != nil {
		return nil, err
	}
	path := []byte(cmd.Path)
	if len(path) > 0xFF {
		return nil, fmt.Errorf("%w: path length %d exceeds one byte", ErrInvalidLength, len(path))
	}

	return concat([]byte{op, byte(len(path))}, path), nil
}

func (c *v1Codec) DecodeCommand(r io.Reader) (Command, error) {
	var cmd Command

	hdr := make([]byte, 2)
	if err := readFull(r, hdr); err != nil {
		return cmd, fmt.Errorf("read command header: %w", err)
	}

	t, err := c.opcodes.commandType(hdr[0])
	if err != nil {
		return cmd, err
	}

	path := make([]byte, hdr[1])
	if err := readFull(r, path); err != nil {
		return cmd, fmt.Errorf("read path: %w", err)
	}

	cmd.Type = t
	cmd.Path = string(path)
	return cmd, validPath(cmd.Path)
}

// v2Codec frames commands as [0x02][opcode][pathLenLo][pathLenHi][path].
//
// The path length is the one little endian field of the protocol. It is kept that way to stay
// compatible with deployed peers; every other multi-byte field is big endian.
type v2Codec struct {
	entryCodec
}

const v2Marker = byte(V2)

func (c *v2Codec) Version() ProtocolVersion { return V2 }

func (c *v2Codec) EncodeCommand(cmd Command) ([]byte, error) {
	op, err := c.opcodes.opcode(cmd.Type)
	if err != nil {
		return nil, err
	}
	if err := validPath(cmd.Path); err != nil {
		return nil, err
	}
	path := []byte(cmd.Path)
	if len(path) > 0xFFFF {
		return nil, fmt.Errorf("%w: path length %d exceeds two bytes", ErrInvalidLength, len(path))
	}

	hdr := []byte{v2Marker, op, 0, 0}
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(path)))

	return concat(hdr, path), nil
}

func (c *v2Codec) DecodeCommand(r io.Reader) (Command, error) {
	var cmd Command

	hdr := make([]byte, 4)
	if err := readFull(r, hdr); err != nil {
		return cmd, fmt.Errorf("read command header: %w", err)
	}
	if hdr[0] != v2Marker {
		return cmd, fmt.Errorf("%w: protocol version 0x%02x", ErrProtocol, hdr[0])
	}

	t, err := c.opcodes.commandType(hdr[1])
	if err != nil {
		return cmd, err
	}

	path := make([]byte, binary.LittleEndian.Uint16(hdr[2:]))
	if err := readFull(r, path); err != nil {
		return cmd, fmt.Errorf("read path: %w", err)
	}

	cmd.Type = t
	cmd.Path = string(path)
	return cmd, validPath(cmd.Path)
}

// EncodeFileDetails returns the fixed 17 byte details record.
func EncodeFileDetails(d FileDetails) []byte {
	b := binary.BigEndian.AppendUint64(make([]byte, 0, fileDetailsSize), d.Size)
	b = binary.BigEndian.AppendUint64(b, uint64(d.Modified.UnixMilli()))
	return append(b, byte(d.Permissions))
}

const fileDetailsSize = 17

// DecodeFileDetails reads the fixed 17 byte details record.
func DecodeFileDetails(r io.Reader) (FileDetails, error) {
	var d FileDetails

	buf := make([]byte, fileDetailsSize)
	if err := readFull(r, buf); err != nil {
		return d, fmt.Errorf("read file details: %w", err)
	}

	d.Size = binary.BigEndian.Uint64(buf[0:8])
	d.Modified = time.UnixMilli(int64(binary.BigEndian.Uint64(buf[8:16])))
	d.Permissions = Permissions(buf[16])

	return d, nil
}
