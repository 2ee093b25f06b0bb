package xfer

import (
	"maps"
	"path"
	"strings"
)

const defaultMIMEType = "application/octet-stream"

// MIMETable maps a lower case file extension (without the dot) to a MIME type.
// A MIMETable is never modified after construction.
type MIMETable struct {
	types map[string]string
}

var defaultMIMETypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// DefaultMIMETable returns the built-in extension table.
func DefaultMIMETable() MIMETable {
	return NewMIMETable(nil)
}

// NewMIMETable returns the default table extended with overrides.
func NewMIMETable(overrides map[string]string) MIMETable {
	types := maps.Clone(defaultMIMETypes)
	for ext, mimeType := range overrides {
		types[strings.ToLower(strings.TrimPrefix(ext, "."))] = mimeType
	}

	return MIMETable{types: types}
}

// Lookup returns the MIME type for fileName based on its extension.
func (t MIMETable) Lookup(fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fileName), "."))
	if mimeType, ok := t.types[ext]; ok {
		return mimeType
	}

	return defaultMIMEType
}
