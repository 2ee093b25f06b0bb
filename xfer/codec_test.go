package xfer

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, v ProtocolVersion) Codec {
	t.Helper()

	c, err := NewCodec(v, CommandSetOpcodes, DefaultMIMETable())
	require.NoError(t, err)

	return c
}

func TestCodec_EncodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		version ProtocolVersion
		opcodes Opcodes
		cmd     Command
		want    []byte
		wantErr error
	}{
		{
			name:    "v1 browse",
			version: V1,
			opcodes: LegacyOpcodes,
			cmd:     Command{Type: CmdBrowse, Path: "/sd"},
			want:    []byte{0x01, 0x03, '/', 's', 'd'},
		},
		{
			name:    "v1 legacy download",
			version: V1,
			opcodes: LegacyOpcodes,
			cmd:     Command{Type: CmdDownload, Path: "a.jpg"},
			want:    []byte{0x02, 0x05, 'a', '.', 'j', 'p', 'g'},
		},
		{
			name:    "v1 command set download",
			version: V1,
			opcodes: CommandSetOpcodes,
			cmd:     Command{Type: CmdDownload, Path: "a"},
			want:    []byte{0x03, 0x01, 'a'},
		},
		{
			name:    "v1 command set get details",
			version: V1,
			opcodes: CommandSetOpcodes,
			cmd:     Command{Type: CmdGetDetails, Path: "a"},
			want:    []byte{0x02, 0x01, 'a'},
		},
		{
			name:    "legacy profile has no get details",
			version: V1,
			opcodes: LegacyOpcodes,
			cmd:     Command{Type: CmdGetDetails, Path: "a"},
			wantErr: ErrProtocol,
		},
		{
			name:    "v1 path longer than one byte length",
			version: V1,
			opcodes: LegacyOpcodes,
			cmd:     Command{Type: CmdBrowse, Path: strings.Repeat("a", 256)},
			wantErr: ErrInvalidLength,
		},
		{
			name:    "v2 browse has little endian path length",
			version: V2,
			opcodes: CommandSetOpcodes,
			cmd:     Command{Type: CmdBrowse, Path: strings.Repeat("p", 0x0102)},
			want:    append([]byte{0x02, 0x01, 0x02, 0x01}, []byte(strings.Repeat("p", 0x0102))...),
		},
		{
			name:    "v2 empty path",
			version: V2,
			opcodes: CommandSetOpcodes,
			cmd:     Command{Type: CmdBrowse, Path: ""},
			want:    []byte{0x02, 0x01, 0x00, 0x00},
		},
		{
			name:    "invalid utf-8 path",
			version: V2,
			opcodes: CommandSetOpcodes,
			cmd:     Command{Type: CmdBrowse, Path: "\xff\xfe"},
			wantErr: ErrProtocol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCodec(tt.version, tt.opcodes, DefaultMIMETable())
			require.NoError(t, err)

			got, err := c.EncodeCommand(tt.cmd)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			decoded, err := c.DecodeCommand(bytes.NewReader(got))
			require.NoError(t, err)
			assert.Equal(t, tt.cmd, decoded)
		})
	}
}

func TestCodec_DecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		version ProtocolVersion
		input   []byte
		wantErr error
	}{
		{name: "v1 unknown opcode", version: V1, input: []byte{0x09, 0x00}, wantErr: ErrProtocol},
		{name: "v1 short path", version: V1, input: []byte{0x01, 0x05, 'a'}, wantErr: ErrTruncated},
		{name: "v2 wrong version byte", version: V2, input: []byte{0x01, 0x01, 0x00, 0x00}, wantErr: ErrProtocol},
		{name: "v2 short header", version: V2, input: []byte{0x02, 0x01}, wantErr: ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestCodec(t, tt.version).DecodeCommand(bytes.NewReader(tt.input))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCodec_FileEntryRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		version ProtocolVersion
		entry   FileEntry
	}{
		{
			name:    "v1 file",
			version: V1,
			entry:   FileEntry{Name: "scan.pdf", Attributes: 0, Size: 1 << 40, MIMEType: "application/pdf"},
		},
		{
			name:    "v1 hidden directory",
			version: V1,
			entry:   FileEntry{Name: ".cache", Attributes: AttrDirectory | AttrHidden, MIMEType: "application/octet-stream"},
		},
		{
			name:    "v1 longest name",
			version: V1,
			entry:   FileEntry{Name: strings.Repeat("n", 255), MIMEType: "application/octet-stream"},
		},
		{
			name:    "v2 single byte name",
			version: V2,
			entry:   FileEntry{Name: "x", Size: 7, MIMEType: "application/octet-stream"},
		},
		{
			name:    "v2 longest name",
			version: V2,
			entry:   FileEntry{Name: strings.Repeat("n", 1020) + ".png", Size: 99, MIMEType: "image/png"},
		},
		{
			name:    "v2 unicode name",
			version: V2,
			entry:   FileEntry{Name: "Fotoğraf.JPG", Size: 12, MIMEType: "image/jpeg"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCodec(t, tt.version)

			b, err := c.EncodeFileEntry(tt.entry)
			require.NoError(t, err)

			got, err := c.DecodeFileEntry(bytes.NewReader(b))
			require.NoError(t, err)
			assert.Equal(t, tt.entry, got)
		})
	}
}

func TestCodec_DecodeFileEntry(t *testing.T) {
	tests := []struct {
		name    string
		version ProtocolVersion
		input   []byte
		wantErr error
	}{
		{
			name:    "zero name length",
			version: V2,
			input:   []byte{0x00, 0x00},
			wantErr: ErrInvalidLength,
		},
		{
			name:    "name length above limit",
			version: V2,
			input:   []byte{0x04, 0x01},
			wantErr: ErrInvalidLength,
		},
		{
			name:    "v1 zero name length",
			version: V1,
			input:   []byte{0x00},
			wantErr: ErrInvalidLength,
		},
		{
			name:    "name shorter than declared",
			version: V1,
			input:   []byte{0x05, 'a', 'b'},
			wantErr: ErrTruncated,
		},
		{
			name:    "missing size",
			version: V1,
			input:   []byte{0x01, 'a', 0x00, 0x00, 0x00},
			wantErr: ErrTruncated,
		},
		{
			name:    "empty input",
			version: V2,
			input:   nil,
			wantErr: ErrTruncated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestCodec(t, tt.version).DecodeFileEntry(bytes.NewReader(tt.input))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCodec_EncodeFileEntry(t *testing.T) {
	_, err := newTestCodec(t, V2).EncodeFileEntry(FileEntry{Name: ""})
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = newTestCodec(t, V2).EncodeFileEntry(FileEntry{Name: strings.Repeat("a", 1025)})
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = newTestCodec(t, V1).EncodeFileEntry(FileEntry{Name: strings.Repeat("a", 256)})
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestCodec_FileList(t *testing.T) {
	c := newTestCodec(t, V2)
	mime := DefaultMIMETable()

	tests := []struct {
		name  string
		count int
	}{
		{name: "empty", count: 0},
		{name: "three entries", count: 3},
		{name: "upper bound", count: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := make([]FileEntry, 0, tt.count)
			for i := 0; i < tt.count; i++ {
				name := strings.Repeat("f", i%50+1) + ".txt"
				entries = append(entries, FileEntry{Name: name, Size: uint64(i), MIMEType: mime.Lookup(name)})
			}

			b, err := c.EncodeFileList(entries)
			require.NoError(t, err)

			got, err := c.DecodeFileList(bytes.NewReader(b))
			require.NoError(t, err)
			assert.Len(t, got, tt.count)
			assert.Equal(t, entries, got)
		})
	}
}

func TestCodec_DecodeFileList(t *testing.T) {
	c := newTestCodec(t, V1)

	validEntry, err := c.EncodeFileEntry(FileEntry{Name: "a.txt", Size: 1})
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{
			name:    "count above limit",
			input:   binary.BigEndian.AppendUint32(nil, 1001),
			wantErr: ErrInvalidCount,
		},
		{
			name:    "count of minus one",
			input:   []byte{0xFF, 0xFF, 0xFF, 0xFF},
			wantErr: ErrInvalidCount,
		},
		{
			name:    "short count",
			input:   []byte{0x00, 0x00},
			wantErr: ErrTruncated,
		},
		{
			name:    "fewer entries than count",
			input:   append(binary.BigEndian.AppendUint32(nil, 2), validEntry...),
			wantErr: ErrTruncated,
		},
		{
			name:    "corrupt second entry",
			input:   append(append(binary.BigEndian.AppendUint32(nil, 2), validEntry...), 0x00),
			wantErr: ErrInvalidLength,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.DecodeFileList(bytes.NewReader(tt.input))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, got)
		})
	}
}

func TestFileDetails(t *testing.T) {
	d := FileDetails{
		Size:        4096,
		Modified:    time.UnixMilli(1700000000123),
		Permissions: PermReadable | PermWritable,
	}

	b := EncodeFileDetails(d)
	require.Len(t, b, 17)
	assert.Equal(t, byte(0x06), b[16])

	got, err := DecodeFileDetails(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, d.Size, got.Size)
	assert.True(t, d.Modified.Equal(got.Modified))
	assert.True(t, got.Permissions.Readable())
	assert.True(t, got.Permissions.Writable())
	assert.False(t, got.Permissions.Executable())

	_, err = DecodeFileDetails(bytes.NewReader(b[:16]))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestSizeHeader(t *testing.T) {
	b, err := EncodeSizeHeader(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("00000005"), b)

	size, err := DecodeSizeHeader([]byte("00010000"))
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), size)

	_, err = EncodeSizeHeader(100_000_000)
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = DecodeSizeHeader([]byte("0000x005"))
	assert.ErrorIs(t, err, ErrProtocol)
}
