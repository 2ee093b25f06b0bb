package xfer

import (
	"io/fs"
	"time"
)

// File attribute bits
const (
	AttrDirectory uint16 = 1 << 0
	AttrHidden    uint16 = 1 << 1
)

const (
	maxNameLen   = 1024 // longer names are treated as a corrupt stream
	maxFileCount = 1000
)

// FileEntry is a single item of a remote directory listing.
type FileEntry struct {
	Name       string `json:"name"`
	Attributes uint16 `json:"attributes"`
	Size       uint64 `json:"size"`
	MIMEType   string `json:"mimeType"` // derived from Name, never sent on the wire
}

func (e FileEntry) IsDir() bool    { return e.Attributes&AttrDirectory != 0 }
func (e FileEntry) IsHidden() bool { return e.Attributes&AttrHidden != 0 }

// Permission bits of FileDetails
const (
	PermExecutable Permissions = 1 << 0
	PermWritable   Permissions = 1 << 1
	PermReadable   Permissions = 1 << 2
)

type Permissions uint8

func (p Permissions) Readable() bool   { return p&PermReadable != 0 }
func (p Permissions) Writable() bool   { return p&PermWritable != 0 }
func (p Permissions) Executable() bool { return p&PermExecutable != 0 }

// permissionsFromMode derives the owner permission bits of a local file.
func permissionsFromMode(mode fs.FileMode) Permissions {
	var p Permissions
	if mode&0400 != 0 {
		p |= PermReadable
	}
	if mode&0200 != 0 {
		p |= PermWritable
	}
	if mode&0100 != 0 {
		p |= PermExecutable
	}
	return p
}

// FileDetails is the metadata record returned by GetDetails.
type FileDetails struct {
	Size        uint64      `json:"size"`
	Modified    time.Time   `json:"modified"` // millisecond precision on the wire
	Permissions Permissions `json:"permissions"`
}
