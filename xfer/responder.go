package xfer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Responder is the peer side of browse, get-details and download: it answers commands with the
// contents of a local directory tree.
type Responder struct {
	Root       string
	FS         FileStore
	Logger     Logger
	Stats      *Stats
	Authorizer Authorizer

	codec   Codec
	opcodes Opcodes
}

func NewResponder(root string, fs FileStore, version ProtocolVersion, opcodes Opcodes, mime MIMETable, logger Logger) (*Responder, error) {
	codec, err := NewCodec(version, opcodes, mime)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nopLogger{}
	}

	return &Responder{
		Root:       root,
		FS:         fs,
		Logger:     logger,
		Stats:      NewStats(),
		Authorizer: AllowAll,
		codec:      codec,
		opcodes:    opcodes,
	}, nil
}

// ServeTransport answers commands on t until the peer closes it.
func (r *Responder) ServeTransport(ctx context.Context, t Transport) error {
	defer func() { _ = t.Close() }()
	return r.Handle(ctx, t, t)
}

// Handle answers commands read from rd until it reaches EOF at a command boundary or ctx is done.
// A command that cannot be answered ends the exchange: the requester sees the stream close.
func (r *Responder) Handle(ctx context.Context, w io.Writer, rd io.Reader) error {
	br := bufio.NewReader(rd)

	for ctx.Err() == nil {
		if _, err := br.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		cmd, err := r.codec.DecodeCommand(br)
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		r.Logger.Debug("Command", "type", cmd.Type, "path", cmd.Path, "version", r.codec.Version())

		bw := bufio.NewWriterSize(w, chunkSize)
		err = r.dispatch(bw, cmd)
		if ferr := bw.Flush(); err == nil && ferr != nil {
			err = fmt.Errorf("%w: %v", ErrIO, ferr)
		}
		if err != nil {
			r.Stats.Increment(StatFailureCounter)
			return fmt.Errorf("%s %s: %w", cmd.Type, cmd.Path, err)
		}
	}

	return ctx.Err()
}

func (r *Responder) dispatch(w io.Writer, cmd Command) error {
	authErr := r.Authorizer.Authorize(cmd.Type)

	switch cmd.Type {
	case CmdBrowse:
		if r.codec.Version() == V2 {
			return r.browseV2(w, cmd, authErr)
		}
		if authErr != nil {
			return authErr
		}
		return r.browse(w, cmd)
	case CmdGetDetails:
		if authErr != nil {
			return authErr
		}
		return r.details(w, cmd)
	case CmdDownload:
		if authErr != nil {
			return authErr
		}
		return r.download(w, cmd)
	}

	return fmt.Errorf("%w: unsupported command %s", ErrProtocol, cmd.Type)
}

// localPath maps a request path onto the root. Requests cannot escape the root.
func (r *Responder) localPath(p string) string {
	return filepath.Join(r.Root, filepath.FromSlash(path.Clean("/"+p)))
}

func (r *Responder) listing(p string) ([]FileEntry, error) {
	dirEntries, err := r.FS.ReadDir(r.localPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, p)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	maxName := maxNameLen
	if r.codec.Version() == V1 {
		maxName = 0xFF
	}

	var entries []FileEntry
	for _, de := range dirEntries {
		if len(entries) == maxFileCount {
			r.Logger.Info("Listing truncated", "path", p, "limit", maxFileCount)
			break
		}
		if len(de.Name()) > maxName {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		e := FileEntry{Name: de.Name()}
		if de.IsDir() {
			e.Attributes |= AttrDirectory
		} else {
			e.Size = uint64(info.Size())
		}
		if strings.HasPrefix(de.Name(), ".") {
			e.Attributes |= AttrHidden
		}
		entries = append(entries, e)
	}

	slices.SortFunc(entries, func(a, b FileEntry) int { return strings.Compare(a.Name, b.Name) })

	return entries, nil
}

func (r *Responder) browse(w io.Writer, cmd Command) error {
	entries, err := r.listing(cmd.Path)
	if err != nil {
		return err
	}

	b, err := r.codec.EncodeFileList(entries)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	r.Stats.Increment(StatBrowseCounter)

	return nil
}

// browseV2 acknowledges the command, then sends a status header and the listing. A failure is
// reported in the header so the requester does not wait for a listing that never comes.
func (r *Responder) browseV2(w io.Writer, cmd Command, authErr error) error {
	op, err := r.opcodes.opcode(CmdBrowse)
	if err != nil {
		return err
	}

	entries, err := r.listing(cmd.Path)
	if authErr != nil {
		err = authErr
	}

	var b []byte
	if err == nil {
		b, err = r.codec.EncodeFileList(entries)
	}
	if err != nil {
		_, _ = w.Write([]byte{AckBrowse, v2Marker, op, v2StatusError, v2StatusError})
		return err
	}

	if _, err := w.Write(append([]byte{AckBrowse, v2Marker, op, 0x00, 0x00}, b...)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	r.Stats.Increment(StatBrowseCounter)

	return nil
}

func (r *Responder) details(w io.Writer, cmd Command) error {
	info, err := r.FS.Stat(r.localPath(cmd.Path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, cmd.Path)
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	d := FileDetails{
		Modified:    info.ModTime(),
		Permissions: permissionsFromMode(info.Mode()),
	}
	if !info.IsDir() {
		d.Size = uint64(info.Size())
	}

	if _, err := w.Write(EncodeFileDetails(d)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	r.Stats.Increment(StatDetailsCounter)

	return nil
}

func (r *Responder) download(w io.Writer, cmd Command) error {
	p := r.localPath(cmd.Path)

	info, err := r.FS.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, cmd.Path)
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrFileNotFound, cmd.Path)
	}

	f, err := r.FS.Open(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer func() { _ = f.Close() }()

	size := uint64(info.Size())
	if _, err := w.Write(binary.BigEndian.AppendUint64(nil, size)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	n, err := io.CopyN(w, f, int64(size))
	r.Stats.Add(StatBytesSent, int(n))
	if err != nil {
		return fmt.Errorf("%w: sent %d of %d bytes: %v", ErrIO, n, size, err)
	}
	r.Stats.Increment(StatDownloadCounter)

	return nil
}
